// Package groutine starts goroutines that carry a name, both as a pprof label and
// on their context, so session loops and bridge workers can be told apart in
// profiles and panic logs.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

// LabelKey is the pprof label holding the goroutine name.
const LabelKey = "goroutine_name"

type nameKey struct{}

// Go runs fn on a new goroutine named name. A nil ctx means context.Background().
//
//	groutine.Go(ctx, "session-loop-3", func(ctx context.Context) {
//	    // drain the loop queue
//	})
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey{}, name))
	})
}

// Name returns the name Go attached to ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey{}).(string)
	return name
}

// ID parses the current goroutine number from the stack header. Logs only.
func ID() uint64 {
	var buf [64]byte
	header, ok := bytes.CutPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if !ok {
		return 0
	}
	digits, _, _ := bytes.Cut(header, []byte(" "))
	id, _ := strconv.ParseUint(string(digits), 10, 64)
	return id
}
