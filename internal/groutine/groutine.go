// Package groutine starts goroutines carrying a pprof name label, so the event
// loop and transport workers are identifiable in profiles and stack dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn on a new goroutine labelled name. A nil parent means
// context.Background().
//
//	groutine.Go(ctx, "backpack-read", func(ctx context.Context) {
//	    data, err := client.ReadCharacteristic(char)
//	    ...
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the label given to the goroutine that owns ctx.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey).(string)
	return name
}
