package errhandler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	h := NewHandler(zap.NewNop())

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "plain", err: errors.New("bad json"), want: KindProcessing},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), want: KindDependency},
		{name: "deadline", err: fmt.Errorf("call model: %w", context.DeadlineExceeded), want: KindDependency},
		{name: "typed", err: NewSetupError("security", "bad origin", nil), want: KindSetup},
		{name: "wrapped typed", err: fmt.Errorf("outer: %w", NewDependencyError("store", "down", nil)), want: KindDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.Handle(tt.err, "test")
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
		})
	}

	assert.Nil(t, h.Classify(nil, "test"))
}

func TestErrorUnwrap(t *testing.T) {
	root := errors.New("root")
	err := NewProcessingError("audio", "decode failed", root)
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[audio] decode failed: root", err.Error())
}

func TestTrackerDegradedAfterThreeConsecutive(t *testing.T) {
	tr := NewTracker()

	assert.False(t, tr.Record(KindProcessing))
	assert.False(t, tr.Record(KindProcessing))
	tr.Success()
	assert.False(t, tr.Record(KindProcessing))
	assert.False(t, tr.Record(KindDependency))
	assert.False(t, tr.Record(KindProcessing))
	assert.True(t, tr.Record(KindProcessing))
	assert.True(t, tr.Degraded())
	// notification fires once per run
	assert.False(t, tr.Record(KindProcessing))
	assert.Equal(t, int64(7), tr.Total())
}
