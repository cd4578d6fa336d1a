package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whhaicheng/QTBench/internal/domain/artifact"
	"github.com/whhaicheng/QTBench/internal/domain/execution"
	"github.com/whhaicheng/QTBench/internal/domain/workload"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeClient replays a scripted list of states per submitted query. Once a
// script is exhausted the last state repeats; aborted queries report aborted.
type fakeClient struct {
	mu sync.Mutex

	scripts  [][]execution.QueryState // By submission order
	startErr map[int]error            // By submission number (1-based)
	getErr   map[execution.QueryID]error
	abortErr error
	onStart  func(ctx context.Context, n int) error

	submitted  []execution.StartRequest
	ids        []execution.QueryID
	cursor     map[execution.QueryID]int
	scriptOf   map[execution.QueryID][]execution.QueryState
	getCalls   map[execution.QueryID]int
	aborted    map[execution.QueryID]bool
	aborts     []execution.QueryID
	abortCtxOK []bool
}

func newFakeClient(scripts ...[]execution.QueryState) *fakeClient {
	return &fakeClient{
		scripts:  scripts,
		startErr: map[int]error{},
		getErr:   map[execution.QueryID]error{},
		cursor:   map[execution.QueryID]int{},
		scriptOf: map[execution.QueryID][]execution.QueryState{},
		getCalls: map[execution.QueryID]int{},
		aborted:  map[execution.QueryID]bool{},
	}
}

func states(s ...execution.QueryState) []execution.QueryState { return s }

func (c *fakeClient) StartQuery(ctx context.Context, req execution.StartRequest) (execution.QueryID, error) {
	c.mu.Lock()
	c.submitted = append(c.submitted, req)
	n := len(c.submitted)
	c.mu.Unlock()

	if c.onStart != nil {
		if err := c.onStart(ctx, n); err != nil {
			return "", err
		}
	}
	if err := c.startErr[n]; err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := execution.QueryID(fmt.Sprintf("query-%d", n))
	c.ids = append(c.ids, id)
	script := states(execution.StateCompleted)
	if n-1 < len(c.scripts) {
		script = c.scripts[n-1]
	}
	c.scriptOf[id] = script
	return id, nil
}

func (c *fakeClient) GetQuery(ctx context.Context, id execution.QueryID) (*execution.QueryInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls[id]++
	if err := c.getErr[id]; err != nil {
		return nil, err
	}
	if c.aborted[id] {
		return &execution.QueryInfo{ID: id, State: execution.StateAborted}, nil
	}
	script, ok := c.scriptOf[id]
	if !ok {
		return nil, execution.ErrQueryNotFound
	}
	i := c.cursor[id]
	if i >= len(script) {
		i = len(script) - 1
	}
	c.cursor[id]++
	return &execution.QueryInfo{ID: id, State: script[i]}, nil
}

func (c *fakeClient) AbortQuery(ctx context.Context, id execution.QueryID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborts = append(c.aborts, id)
	c.abortCtxOK = append(c.abortCtxOK, ctx.Err() == nil)
	if c.abortErr != nil {
		return c.abortErr
	}
	c.aborted[id] = true
	return nil
}

// recordingSink keeps every event in memory.
type recordingSink struct {
	events   []artifact.Event
	failKind artifact.Kind
	closed   bool
}

func (s *recordingSink) Emit(ctx context.Context, e artifact.Event) error {
	if e.Kind == s.failKind {
		return errors.New("disk full")
	}
	e.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func (s *recordingSink) kinds() []string {
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, fmt.Sprintf("%d:%s", e.QueryIndex, e.Kind))
	}
	return out
}

func (s *recordingSink) count(kind artifact.Kind, queryIndex int) int {
	n := 0
	for _, e := range s.events {
		if e.Kind == kind && e.QueryIndex == queryIndex {
			n++
		}
	}
	return n
}

// fakeResolver builds "SELECT <id>;" unless told to fail or panic.
type fakeResolver struct {
	failFor  map[int]error
	panicFor map[int]bool
	built    []int
}

func (r *fakeResolver) Resolve(ctx context.Context, sel workload.Selection) ([]*workload.RunnableQuery, error) {
	return nil, errors.New("not used")
}

func (r *fakeResolver) BuildQuery(ctx context.Context, q *workload.RunnableQuery) (*execution.Query, error) {
	r.built = append(r.built, q.ID)
	if r.panicFor[q.ID] {
		panic("resolver exploded")
	}
	if err := r.failFor[q.ID]; err != nil {
		return nil, err
	}
	return &execution.Query{Text: fmt.Sprintf("SELECT %d;", q.ID)}, nil
}

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	now     time.Time
	sleeps  int
	onSleep func(n int) error
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps++
	if c.onSleep != nil {
		if err := c.onSleep(c.sleeps); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

type harness struct {
	client   *fakeClient
	resolver *fakeResolver
	sink     *recordingSink
	clock    *fakeClock
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	uc       *QueryRunUseCase
}

func newHarness(client *fakeClient) *harness {
	h := &harness{
		client:   client,
		resolver: &fakeResolver{failFor: map[int]error{}, panicFor: map[int]bool{}},
		sink:     &recordingSink{},
		clock:    newFakeClock(),
		stdout:   &bytes.Buffer{},
		stderr:   &bytes.Buffer{},
	}
	h.uc = NewQueryRunUseCase(h.client, h.resolver, h.sink, QueryRunOptions{
		PollDelay: 5 * time.Second,
		Stdout:    h.stdout,
		Stderr:    h.stderr,
		Clock:     h.clock,
		Link: func(id execution.QueryID) string {
			return "https://ui.example/hahn/queries/" + id.String()
		},
	})
	return h
}

func runnables(n int) []*workload.RunnableQuery {
	out := make([]*workload.RunnableQuery, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, &workload.RunnableQuery{ID: i})
	}
	return out
}

var testSettings = execution.RunSettings{Stage: "production", PollerInterval: "1s"}

// =============================================================================
// Tests
// =============================================================================

// TestQueryRun_Scenario runs three queries: one completes after two polls,
// one fails immediately and one times out after three polls.
func TestQueryRun_Scenario(t *testing.T) {
	client := newFakeClient(
		states(execution.StatePending, execution.StateCompleted),
		states(execution.StateFailed),
		states(execution.StateRunning),
	)
	h := newHarness(client)

	report, err := h.uc.Run(context.Background(), runnables(3), testSettings, 10*time.Second, "[QT] ")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"1:query-start", "1:query-text", "1:query-id", "1:query-info",
		"2:query-start", "2:query-text", "2:query-id", "2:query-info",
		"3:query-start", "3:query-text", "3:query-id", "3:query-info",
	}, h.sink.kinds())

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, execution.StateCompleted, report.Outcomes[0].State)
	assert.Equal(t, execution.StateFailed, report.Outcomes[1].State)
	assert.Equal(t, execution.StateAborted, report.Outcomes[2].State)
	assert.Equal(t, 3, report.Succeeded())
	assert.Equal(t, 0, report.Failed())
	assert.Equal(t, 1, report.CountState(execution.StateAborted))

	assert.Equal(t, []execution.QueryID{"query-3"}, client.aborts)
	assert.Equal(t, 3, client.getCalls["query-1"], "two polls plus the info fetch")
	assert.Equal(t, 2, client.getCalls["query-2"], "one poll plus the info fetch")
	assert.Equal(t, 4, client.getCalls["query-3"], "three polls plus the info fetch")

	info := h.sink.events[len(h.sink.events)-1].Payload.(*execution.QueryInfo)
	assert.Equal(t, execution.StateAborted, info.State)

	assert.Equal(t, "query-1\nquery-2\nquery-3\n", h.stdout.String())
	assert.Contains(t, h.stderr.String(), "Query [QT] q1 link: https://ui.example/hahn/queries/query-1")
	assert.Contains(t, h.stderr.String(), "Query [QT] q3 finished with state: aborted")
}

func TestQueryRun_SubmitRequest(t *testing.T) {
	client := newFakeClient(states(execution.StateCompleted))
	h := newHarness(client)

	_, err := h.uc.Run(context.Background(), runnables(1), testSettings, time.Minute, "[QT] ")
	require.NoError(t, err)

	require.Len(t, client.submitted, 1)
	req := client.submitted[0]
	assert.Equal(t, execution.EngineYQL, req.Engine)
	assert.Equal(t, "SELECT 1;", req.Query)
	assert.Equal(t, "production", req.Settings["stage"])
	assert.Equal(t, "1s", req.Settings["poller_interval"])
	assert.Equal(t, "[QT] q1", req.Annotations["title"])
}

// TestQueryRun_TimeoutAbortsExactlyOnce checks that a query that never
// leaves running is aborted once and recorded as aborted.
func TestQueryRun_TimeoutAbortsExactlyOnce(t *testing.T) {
	tests := []struct {
		timeout    time.Duration
		wantSleeps int
	}{
		{time.Second, 1},
		{5 * time.Second, 1},
		{12 * time.Second, 3},
		{time.Minute, 12},
	}

	for _, tt := range tests {
		t.Run(tt.timeout.String(), func(t *testing.T) {
			client := newFakeClient(states(execution.StatePending, execution.StateRunning))
			h := newHarness(client)

			report, err := h.uc.Run(context.Background(), runnables(1), testSettings, tt.timeout, "")
			require.NoError(t, err)

			assert.Equal(t, []execution.QueryID{"query-1"}, client.aborts)
			assert.Equal(t, execution.StateAborted, report.Outcomes[0].State)
			assert.Equal(t, tt.wantSleeps, h.clock.sleeps)
			assert.False(t, report.Outcomes[0].Failed())
		})
	}
}

func TestQueryRun_TerminalBeforeTimeoutNeverAborts(t *testing.T) {
	terminals := []execution.QueryState{
		execution.StateCompleted,
		execution.StateFailed,
		execution.StateAborted,
		execution.QueryState("lost"),
	}

	for _, terminal := range terminals {
		t.Run(string(terminal), func(t *testing.T) {
			client := newFakeClient(states(execution.StatePending, execution.StateRunning, execution.StateRunning, terminal))
			h := newHarness(client)

			report, err := h.uc.Run(context.Background(), runnables(1), testSettings, time.Minute, "")
			require.NoError(t, err)

			assert.Empty(t, client.aborts)
			assert.Equal(t, terminal, report.Outcomes[0].State)
			assert.Equal(t, 3, h.clock.sleeps)
		})
	}
}

func TestQueryRun_TimeoutAbortAlreadyFinished(t *testing.T) {
	client := newFakeClient(states(execution.StateRunning))
	client.abortErr = fmt.Errorf("abort: %w", execution.ErrQueryFinished)
	h := newHarness(client)

	report, err := h.uc.Run(context.Background(), runnables(1), testSettings, 5*time.Second, "")
	require.NoError(t, err)

	assert.Len(t, client.aborts, 1)
	assert.Equal(t, execution.StateAborted, report.Outcomes[0].State)
	assert.False(t, report.Outcomes[0].Failed())
	assert.Equal(t, 1, h.sink.count(artifact.KindQueryInfo, 1))
}

func TestQueryRun_TimeoutAbortFailureIsQueryError(t *testing.T) {
	client := newFakeClient(states(execution.StateRunning), states(execution.StateCompleted))
	client.abortErr = errors.New("proxy unavailable")
	h := newHarness(client)

	report, err := h.uc.Run(context.Background(), runnables(2), testSettings, 5*time.Second, "")
	require.NoError(t, err)

	assert.True(t, report.Outcomes[0].Failed())
	assert.ErrorContains(t, report.Outcomes[0].Err, "proxy unavailable")
	assert.Equal(t, 1, h.sink.count(artifact.KindQueryError, 1))
	assert.Equal(t, 1, h.sink.count(artifact.KindQueryInfo, 2))
}

// TestQueryRun_FailureIsolation makes runnable k fail in different stages and
// checks that every runnable is still attempted.
func TestQueryRun_FailureIsolation(t *testing.T) {
	const n = 4

	stages := map[string]func(h *harness, k int){
		"resolution": func(h *harness, k int) {
			h.resolver.failFor[k] = errors.New("q.sql: no such file")
		},
		"resolver panic": func(h *harness, k int) {
			h.resolver.panicFor[k] = true
		},
		"submission": func(h *harness, k int) {
			h.client.startErr[k] = errors.New("503 service unavailable")
		},
		"polling": func(h *harness, k int) {
			h.client.getErr[execution.QueryID(fmt.Sprintf("query-%d", k))] = errors.New("connection reset")
		},
	}

	for name, inject := range stages {
		for k := 1; k <= n; k++ {
			t.Run(fmt.Sprintf("%s/k=%d", name, k), func(t *testing.T) {
				client := newFakeClient()
				h := newHarness(client)
				inject(h, k)

				report, err := h.uc.Run(context.Background(), runnables(n), testSettings, time.Minute, "")
				require.NoError(t, err)

				assert.Equal(t, []int{1, 2, 3, 4}, h.resolver.built, "all runnables attempted")
				require.Len(t, report.Outcomes, n)
				assert.Equal(t, 1, report.Failed())
				assert.True(t, report.Outcomes[k-1].Failed())
				assert.NotEmpty(t, report.Outcomes[k-1].Traceback)

				for i := 1; i <= n; i++ {
					if i == k {
						assert.Equal(t, 1, h.sink.count(artifact.KindQueryError, i))
						assert.Equal(t, 0, h.sink.count(artifact.KindQueryInfo, i))
					} else {
						assert.Equal(t, 0, h.sink.count(artifact.KindQueryError, i))
						assert.Equal(t, 1, h.sink.count(artifact.KindQueryInfo, i))
					}
				}
				assert.Empty(t, client.aborts)
				assert.Contains(t, h.stderr.String(), fmt.Sprintf("Error while running query q%d", k))
			})
		}
	}
}

func TestQueryRun_PanicTracebackHasStack(t *testing.T) {
	h := newHarness(newFakeClient())
	h.resolver.panicFor[1] = true

	report, err := h.uc.Run(context.Background(), runnables(1), testSettings, time.Minute, "")
	require.NoError(t, err)

	outcome := report.Outcomes[0]
	assert.EqualError(t, outcome.Err, "panic: resolver exploded")
	assert.Contains(t, outcome.Traceback, "goroutine")

	last := h.sink.events[len(h.sink.events)-1]
	require.Equal(t, artifact.KindQueryError, last.Kind)
	payload := last.Payload.(artifact.ErrorPayload)
	assert.Equal(t, "panic: resolver exploded", payload.Error)
	assert.Equal(t, outcome.Traceback, payload.Traceback)
}

func TestQueryRun_SinkFailureIsQueryError(t *testing.T) {
	h := newHarness(newFakeClient())
	h.sink.failKind = artifact.KindQueryInfo

	report, err := h.uc.Run(context.Background(), runnables(2), testSettings, time.Minute, "")
	require.NoError(t, err)

	assert.Equal(t, 2, report.Failed())
	assert.Equal(t, 1, h.sink.count(artifact.KindQueryError, 1))
	assert.Equal(t, 1, h.sink.count(artifact.KindQueryError, 2))
	assert.ErrorContains(t, report.Outcomes[0].Err, "emit query-info")
}

// TestQueryRun_EventsNeverInterleave checks that each query's events form one
// contiguous block ending with exactly one final event.
func TestQueryRun_EventsNeverInterleave(t *testing.T) {
	client := newFakeClient(
		states(execution.StateRunning, execution.StateCompleted),
		states(execution.StateRunning),
		states(execution.StateCompleted),
		states(execution.StatePending, execution.StateFailed),
	)
	h := newHarness(client)
	h.client.startErr[3] = errors.New("quota exceeded")

	_, err := h.uc.Run(context.Background(), runnables(4), testSettings, 6*time.Second, "")
	require.NoError(t, err)

	last := 0
	finals := map[int]int{}
	for _, e := range h.sink.events {
		require.GreaterOrEqual(t, e.QueryIndex, last, "events of query %d after query %d", e.QueryIndex, last)
		if e.QueryIndex > last {
			if last > 0 {
				assert.Equal(t, 1, finals[last], "query %d must end with one final event", last)
			}
			assert.Equal(t, artifact.KindQueryStart, e.Kind)
			last = e.QueryIndex
		}
		if e.Kind.IsFinal() {
			finals[e.QueryIndex]++
		}
	}
	assert.Equal(t, 1, finals[4])
	assert.Equal(t, []string{"3:query-start", "3:query-text", "3:query-error"}, h.sink.kinds()[8:11])
}

// TestQueryRun_InterruptDuringPoll cancels the run while query 2 is polled.
func TestQueryRun_InterruptDuringPoll(t *testing.T) {
	client := newFakeClient(
		states(execution.StateCompleted),
		states(execution.StateRunning),
		states(execution.StateCompleted),
	)
	h := newHarness(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.onSleep = func(n int) error {
		if n == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	report, err := h.uc.Run(ctx, runnables(3), testSettings, time.Hour, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, report.Interrupted)

	assert.Equal(t, []execution.QueryID{"query-2"}, client.aborts)
	assert.Equal(t, []bool{true}, client.abortCtxOK, "abort must not run on the cancelled context")
	assert.Equal(t, []int{1, 2}, h.resolver.built)
	assert.Len(t, client.submitted, 2)
	assert.Equal(t, 0, h.sink.count(artifact.KindQueryStart, 3))
	assert.Equal(t, 0, h.sink.count(artifact.KindQueryError, 2), "interrupt is not a query error")

	require.Len(t, report.Outcomes, 2)
	assert.ErrorIs(t, report.Outcomes[1].Err, ErrInterrupted)
	assert.Equal(t, execution.StateAborted, report.Outcomes[1].State)
}

func TestQueryRun_InterruptBeforeQueryID(t *testing.T) {
	client := newFakeClient()
	h := newHarness(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.onStart = func(_ context.Context, n int) error {
		if n == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	report, err := h.uc.Run(ctx, runnables(3), testSettings, time.Hour, "")
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Empty(t, client.aborts, "no id, nothing to abort")
	assert.Len(t, report.Outcomes, 2)
	assert.Equal(t, []int{1, 2}, h.resolver.built)
}

func TestQueryRun_InterruptAbortErrors(t *testing.T) {
	tests := []struct {
		name         string
		abortErr     error
		wantAbortErr bool
	}{
		{"already finished is swallowed", execution.ErrQueryFinished, false},
		{"unknown query is swallowed", fmt.Errorf("abort: %w", execution.ErrQueryNotFound), false},
		{"other failure is reported", errors.New("tls handshake timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(states(execution.StateRunning))
			client.abortErr = tt.abortErr
			h := newHarness(client)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.clock.onSleep = func(int) error {
				cancel()
				return ctx.Err()
			}

			_, err := h.uc.Run(ctx, runnables(2), testSettings, time.Hour, "")
			require.ErrorIs(t, err, ErrInterrupted)
			assert.Len(t, client.aborts, 1)
			if tt.wantAbortErr {
				assert.ErrorContains(t, err, "tls handshake timeout")
			} else {
				assert.NotContains(t, err.Error(), "abort")
			}
		})
	}
}

func TestQueryRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(newFakeClient())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.uc.Run(ctx, runnables(2), testSettings, time.Minute, "")
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Empty(t, report.Outcomes)
	assert.Empty(t, h.sink.events)
}

func TestQueryRun_InvalidArguments(t *testing.T) {
	h := newHarness(newFakeClient())

	_, err := h.uc.Run(context.Background(), nil, testSettings, time.Minute, "")
	assert.ErrorIs(t, err, ErrNoRunnables)

	_, err = h.uc.Run(context.Background(), runnables(1), testSettings, 0, "")
	assert.ErrorIs(t, err, ErrInvalidTimeout)
}

func TestQueryRun_RecordLaunch(t *testing.T) {
	h := newHarness(newFakeClient())

	require.NoError(t, h.uc.RecordLaunch(context.Background(), map[string]any{"stage": "production"}))
	require.Len(t, h.sink.events, 1)
	assert.Equal(t, artifact.KindLaunch, h.sink.events[0].Kind)
	assert.Equal(t, 0, h.sink.events[0].QueryIndex)

	h.sink.failKind = artifact.KindLaunch
	assert.Error(t, h.uc.RecordLaunch(context.Background(), nil))
}

func TestTraceback_ErrorChain(t *testing.T) {
	root := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("start query: %w", fmt.Errorf("post start_query: %w", root))

	tb := traceback(err)
	lines := strings.Split(tb, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Traceback (error chain):", lines[0])
	assert.Contains(t, lines[1], "start query: post start_query")
	assert.Contains(t, lines[3], "dial tcp: connection refused")

	joined := traceback(errors.Join(errors.New("a"), errors.New("b")))
	assert.Contains(t, joined, "a")
	assert.Contains(t, joined, "b")
}
