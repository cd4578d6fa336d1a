package artifact

import (
	"context"
	"errors"

	"github.com/whhaicheng/QTBench/internal/app/usecase"
	"github.com/whhaicheng/QTBench/internal/domain/artifact"
)

// NopSink discards every event. It is used when no artifact path is set.
type NopSink struct{}

// Emit implements usecase.ArtifactSink.
func (NopSink) Emit(context.Context, artifact.Event) error { return nil }

// Close implements usecase.ArtifactSink.
func (NopSink) Close() error { return nil }

// MultiSink emits every event to each sink in order.
type MultiSink struct {
	sinks []usecase.ArtifactSink
}

// NewMultiSink creates a sink fanning out to sinks. Nil sinks are skipped.
func NewMultiSink(sinks ...usecase.ArtifactSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Emit emits to every sink, even after one of them failed, and returns the
// joined errors.
func (m *MultiSink) Emit(ctx context.Context, event artifact.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and returns the joined errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
