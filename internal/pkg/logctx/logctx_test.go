package logctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandler_InjectsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithField(context.Background(), "launch_id", "L1")
	ctx = WithField(ctx, "query_index", 3)
	logger.InfoContext(ctx, "Run: query started")

	out := buf.String()
	assert.Contains(t, out, "launch_id=L1")
	assert.Contains(t, out, "query_index=3")
}

func TestWithAttrs_DoesNotLeakBetweenChildren(t *testing.T) {
	base := WithField(context.Background(), "a", 1)
	left := WithField(base, "b", 2)
	right := WithField(base, "c", 3)

	assert.Len(t, Attrs(base), 1)
	assert.Len(t, Attrs(left), 2)
	assert.Len(t, Attrs(right), 2)
	assert.Equal(t, "c", Attrs(right)[1].Key)
	assert.Same(t, base, WithAttrs(base))
}
