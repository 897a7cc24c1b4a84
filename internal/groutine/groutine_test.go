package groutine_test

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/srg/gattkit/internal/groutine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo(t *testing.T) {
	type report struct {
		name  string
		label string
		id    uint64
	}
	reports := make(chan report, 1)

	groutine.Go(nil, "session-loop-7", func(ctx context.Context) { //nolint:staticcheck
		label, _ := pprof.Label(ctx, groutine.LabelKey)
		reports <- report{name: groutine.Name(ctx), label: label, id: groutine.ID()}
	})

	select {
	case r := <-reports:
		assert.Equal(t, "session-loop-7", r.name, "name MUST be available from the context")
		assert.Equal(t, "session-loop-7", r.label, "name MUST be set as a pprof label")
		assert.NotZero(t, r.id)
		assert.NotEqual(t, groutine.ID(), r.id, "worker MUST run on its own goroutine")
	case <-time.After(time.Second):
		require.Fail(t, "goroutine MUST start")
	}
}

func TestName_Unnamed(t *testing.T) {
	assert.Empty(t, groutine.Name(context.Background()))
	assert.Empty(t, groutine.Name(nil)) //nolint:staticcheck
}
