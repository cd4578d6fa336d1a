// Package usecase provides the query run business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/whhaicheng/QTBench/internal/domain/artifact"
	"github.com/whhaicheng/QTBench/internal/domain/execution"
	"github.com/whhaicheng/QTBench/internal/domain/workload"
	"github.com/whhaicheng/QTBench/internal/pkg/logctx"
)

var (
	// ErrInterrupted is returned when the operator interrupts a run.
	ErrInterrupted = errors.New("run interrupted")

	// ErrNoRunnables is returned when there is nothing to run.
	ErrNoRunnables = errors.New("no queries to run")

	// ErrInvalidTimeout is returned when the per-query timeout is not positive.
	ErrInvalidTimeout = errors.New("timeout must be positive")

	// ErrInvalidPhaseTransition is returned on an impossible poll transition.
	ErrInvalidPhaseTransition = errors.New("invalid poll phase transition")
)

const (
	// DefaultPollDelay is the delay between two state polls. It is not the
	// poller interval sent to the service.
	DefaultPollDelay = 5 * time.Second

	// DefaultAbortGrace bounds the abort call made on interrupt.
	DefaultAbortGrace = 30 * time.Second
)

// Clock is the time source of the poll loop.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LinkFunc renders the operator-facing link of a query.
type LinkFunc func(id execution.QueryID) string

// QueryRunOptions tunes a QueryRunUseCase. Zero values get defaults.
type QueryRunOptions struct {
	PollDelay  time.Duration
	AbortGrace time.Duration
	Stdout     io.Writer // Primary stream: query ids only
	Stderr     io.Writer // Secondary stream: links, progress, errors
	Clock      Clock
	Link       LinkFunc
}

// QueryRunUseCase runs benchmark queries one at a time against a query
// service and records every step through an artifact sink.
type QueryRunUseCase struct {
	client     QueryClient
	resolver   QueryResolver
	sink       ArtifactSink
	pollDelay  time.Duration
	abortGrace time.Duration
	stdout     io.Writer
	stderr     io.Writer
	clock      Clock
	link       LinkFunc
}

// NewQueryRunUseCase creates a new query run use case.
func NewQueryRunUseCase(client QueryClient, resolver QueryResolver, sink ArtifactSink, opts QueryRunOptions) *QueryRunUseCase {
	uc := &QueryRunUseCase{
		client:     client,
		resolver:   resolver,
		sink:       sink,
		pollDelay:  opts.PollDelay,
		abortGrace: opts.AbortGrace,
		stdout:     opts.Stdout,
		stderr:     opts.Stderr,
		clock:      opts.Clock,
		link:       opts.Link,
	}
	if uc.pollDelay <= 0 {
		uc.pollDelay = DefaultPollDelay
	}
	if uc.abortGrace <= 0 {
		uc.abortGrace = DefaultAbortGrace
	}
	if uc.stdout == nil {
		uc.stdout = io.Discard
	}
	if uc.stderr == nil {
		uc.stderr = io.Discard
	}
	if uc.clock == nil {
		uc.clock = systemClock{}
	}
	return uc
}

// QueryOutcome is the result of processing one runnable.
type QueryOutcome struct {
	Index     int // 1-based
	Runnable  *workload.RunnableQuery
	Title     string
	QueryID   execution.QueryID // Empty if submission never happened
	State     execution.QueryState
	Info      *execution.QueryInfo
	Err       error
	Traceback string
	Duration  time.Duration
}

// Failed reports whether processing the runnable failed.
func (o *QueryOutcome) Failed() bool {
	return o.Err != nil
}

// RunReport summarizes a launch.
type RunReport struct {
	Outcomes    []*QueryOutcome
	Interrupted bool
}

// Succeeded returns the number of queries that reached a terminal state
// without a processing failure.
func (r *RunReport) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Failed() {
			n++
		}
	}
	return n
}

// Failed returns the number of queries whose processing failed.
func (r *RunReport) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// CountState returns the number of outcomes that ended in state.
func (r *RunReport) CountState(state execution.QueryState) int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Failed() && o.State == state {
			n++
		}
	}
	return n
}

// RecordLaunch emits the launch event with the launch arguments.
func (uc *QueryRunUseCase) RecordLaunch(ctx context.Context, arguments any) error {
	event := artifact.Event{
		Kind:    artifact.KindLaunch,
		Time:    uc.clock.Now(),
		Payload: arguments,
	}
	if err := uc.sink.Emit(ctx, event); err != nil {
		return fmt.Errorf("emit launch: %w", err)
	}
	return nil
}

// Run executes runnables in order. A failing query never stops the batch;
// the returned error is non-nil only for invalid arguments or when ctx is
// cancelled, in which case it wraps ErrInterrupted and the report holds the
// outcomes processed so far.
func (uc *QueryRunUseCase) Run(
	ctx context.Context,
	runnables []*workload.RunnableQuery,
	settings execution.RunSettings,
	timeout time.Duration,
	titlePrefix string,
) (*RunReport, error) {
	if len(runnables) == 0 {
		return nil, ErrNoRunnables
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimeout, timeout)
	}

	report := &RunReport{}
	slog.InfoContext(ctx, "Run: starting",
		"queries", len(runnables),
		"timeout", timeout,
		"poll_delay", uc.pollDelay,
		"stage", settings.Stage,
		"poller_interval", settings.PollerInterval)

	for i, runnable := range runnables {
		if ctx.Err() != nil {
			report.Interrupted = true
			return report, ErrInterrupted
		}

		qctx := logctx.WithAttrs(ctx,
			slog.Int("query_index", i+1),
			slog.Int("runnable_id", runnable.ID))

		outcome, err := uc.runOne(qctx, i+1, runnable, settings, timeout, titlePrefix)
		report.Outcomes = append(report.Outcomes, outcome)
		if err != nil {
			report.Interrupted = true
			slog.WarnContext(qctx, "Run: interrupted",
				"title", outcome.Title,
				"query_id", outcome.QueryID,
				"remaining", len(runnables)-i-1)
			return report, err
		}
	}

	slog.InfoContext(ctx, "Run: finished",
		"queries", len(report.Outcomes),
		"failed", report.Failed(),
		"aborted", report.CountState(execution.StateAborted))
	return report, nil
}

// runOne processes one runnable. It returns a non-nil error only on
// interrupt; every other failure is recorded on the outcome.
func (uc *QueryRunUseCase) runOne(
	ctx context.Context,
	index int,
	runnable *workload.RunnableQuery,
	settings execution.RunSettings,
	timeout time.Duration,
	titlePrefix string,
) (*QueryOutcome, error) {
	outcome := &QueryOutcome{
		Index:    index,
		Runnable: runnable,
		Title:    runnable.Title(titlePrefix),
	}

	started := uc.clock.Now()
	err := uc.process(ctx, outcome, settings, timeout)
	outcome.Duration = uc.clock.Now().Sub(started)
	if err == nil {
		return outcome, nil
	}

	if ctx.Err() != nil {
		outcome.Err = ErrInterrupted
		return outcome, uc.abortInterrupted(ctx, outcome)
	}

	uc.recordFailure(ctx, outcome, err)
	return outcome, nil
}

// process drives one runnable from start event to terminal info. Panics of
// collaborators are turned into errors.
func (uc *QueryRunUseCase) process(
	ctx context.Context,
	outcome *QueryOutcome,
	settings execution.RunSettings,
	timeout time.Duration,
) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v, stack: string(debug.Stack())}
		}
	}()

	runnable := outcome.Runnable
	if err := uc.emit(ctx, outcome, artifact.KindQueryStart, artifact.StartPayload{
		RunnableID: runnable.ID,
		Title:      outcome.Title,
		Optimized:  runnable.Optimized,
		Path:       runnable.Path,
	}); err != nil {
		return err
	}

	query, err := uc.resolver.BuildQuery(ctx, runnable)
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if err := uc.emit(ctx, outcome, artifact.KindQueryText, artifact.TextPayload{
		Text:     query.Text,
		Settings: query.Settings,
	}); err != nil {
		return err
	}

	id, err := uc.client.StartQuery(ctx, execution.NewStartRequest(query, settings, outcome.Title))
	if err != nil {
		return fmt.Errorf("start query: %w", err)
	}
	outcome.QueryID = id

	link := uc.linkFor(id)
	if err := uc.emit(ctx, outcome, artifact.KindQueryID, artifact.IDPayload{
		QueryID: id.String(),
		Link:    link,
	}); err != nil {
		return err
	}
	fmt.Fprintln(uc.stdout, id)
	if link != "" {
		fmt.Fprintf(uc.stderr, "Query %s link: %s\n", outcome.Title, link)
	}
	slog.InfoContext(ctx, "Run: query submitted", "title", outcome.Title, "query_id", id)

	state, err := uc.poll(ctx, id, timeout)
	if err != nil {
		return err
	}
	outcome.State = state

	info, err := uc.client.GetQuery(ctx, id)
	if err != nil {
		return fmt.Errorf("get query info: %w", err)
	}
	outcome.Info = info
	if err := uc.emit(ctx, outcome, artifact.KindQueryInfo, info.Payload()); err != nil {
		return err
	}

	fmt.Fprintf(uc.stderr, "Query %s finished with state: %s\n", outcome.Title, state)
	slog.InfoContext(ctx, "Run: query finished",
		"title", outcome.Title,
		"query_id", id,
		"state", state,
		"service_duration", info.Duration())
	return nil
}

// poll follows the query until a terminal state is seen or assigned.
//
//	WAITING --terminal--> DONE
//	WAITING --elapsed >= timeout--> ABORTING --abort sent--> DONE (aborted)
//	WAITING --sleep, re-fetch--> WAITING
func (uc *QueryRunUseCase) poll(ctx context.Context, id execution.QueryID, timeout time.Duration) (execution.QueryState, error) {
	phase := execution.PhaseWaiting
	start := uc.clock.Now()

	state, err := uc.fetchState(ctx, id)
	if err != nil {
		return state, err
	}

	for phase != execution.PhaseDone {
		var next execution.PollPhase

		switch phase {
		case execution.PhaseWaiting:
			switch {
			case state.IsTerminal():
				next = execution.PhaseDone
			case uc.clock.Now().Sub(start) >= timeout:
				next = execution.PhaseAborting
			default:
				if err := uc.clock.Sleep(ctx, uc.pollDelay); err != nil {
					return state, err
				}
				if state, err = uc.fetchState(ctx, id); err != nil {
					return state, err
				}
				next = execution.PhaseWaiting
			}

		case execution.PhaseAborting:
			slog.WarnContext(ctx, "Run: query timed out, aborting",
				"query_id", id,
				"timeout", timeout,
				"last_state", state)
			outcome := execution.ClassifyAbort(uc.client.AbortQuery(ctx, id))
			if outcome.Result == execution.AbortFailed {
				return state, fmt.Errorf("abort timed out query: %w", outcome.Err)
			}
			state = execution.StateAborted
			next = execution.PhaseDone
		}

		if !phase.CanTransitionTo(next) {
			return state, fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseTransition, phase, next)
		}
		phase = next
	}

	return state, nil
}

func (uc *QueryRunUseCase) fetchState(ctx context.Context, id execution.QueryID) (execution.QueryState, error) {
	info, err := uc.client.GetQuery(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get query state: %w", err)
	}
	slog.DebugContext(ctx, "Run: polled query", "query_id", id, "state", info.State)
	return info.State, nil
}

// abortInterrupted makes the single best-effort abort for an interrupted
// query. The abort runs on a context detached from the cancelled one and
// bounded by the abort grace period.
func (uc *QueryRunUseCase) abortInterrupted(ctx context.Context, outcome *QueryOutcome) error {
	if outcome.QueryID == "" {
		return ErrInterrupted
	}

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.abortGrace)
	defer cancel()

	result := execution.ClassifyAbort(uc.client.AbortQuery(abortCtx, outcome.QueryID))
	slog.WarnContext(abortCtx, "Run: aborted in-flight query on interrupt",
		"query_id", outcome.QueryID,
		"result", result.Result)

	switch result.Result {
	case execution.AbortAccepted:
		outcome.State = execution.StateAborted
	case execution.AbortFailed:
		return errors.Join(ErrInterrupted, fmt.Errorf("abort query %s: %w", outcome.QueryID, result.Err))
	}
	return ErrInterrupted
}

// recordFailure reports a per-query failure on the secondary stream and as a
// query-error event.
func (uc *QueryRunUseCase) recordFailure(ctx context.Context, outcome *QueryOutcome, err error) {
	outcome.Err = err
	outcome.Traceback = traceback(err)

	fmt.Fprintf(uc.stderr, "Error while running query %s: %v\n", outcome.Title, err)
	fmt.Fprintln(uc.stderr, outcome.Traceback)
	slog.ErrorContext(ctx, "Run: query failed",
		"title", outcome.Title,
		"query_id", outcome.QueryID,
		"error", err)

	if emitErr := uc.emit(ctx, outcome, artifact.KindQueryError, artifact.ErrorPayload{
		Error:     err.Error(),
		Traceback: outcome.Traceback,
	}); emitErr != nil {
		slog.ErrorContext(ctx, "Run: failed to record query error", "error", emitErr)
	}
}

func (uc *QueryRunUseCase) emit(ctx context.Context, outcome *QueryOutcome, kind artifact.Kind, payload any) error {
	event := artifact.Event{
		Kind:       kind,
		QueryIndex: outcome.Index,
		RunnableID: outcome.Runnable.ID,
		Time:       uc.clock.Now(),
		Payload:    payload,
	}
	if err := uc.sink.Emit(ctx, event); err != nil {
		return fmt.Errorf("emit %s: %w", kind, err)
	}
	return nil
}

func (uc *QueryRunUseCase) linkFor(id execution.QueryID) string {
	if uc.link == nil {
		return ""
	}
	return uc.link(id)
}

// panicError is a recovered collaborator panic.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// traceback renders the cause chain of err, or the stack of a recovered panic.
func traceback(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.stack
	}

	var b strings.Builder
	b.WriteString("Traceback (error chain):\n")
	writeChain(&b, err, 1)
	return strings.TrimRight(b.String(), "\n")
}

func writeChain(b *strings.Builder, err error, depth int) {
	for err != nil {
		fmt.Fprintf(b, "%s%T: %v\n", strings.Repeat("  ", depth), err, err)
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				writeChain(b, inner, depth+1)
			}
			return
		case interface{ Unwrap() error }:
			err = u.Unwrap()
			depth++
		default:
			return
		}
	}
}
