package groutine

import (
	"context"
	"runtime/pprof"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_LabelsGoroutine(t *testing.T) {
	type seen struct {
		name  string
		label string
	}
	ch := make(chan seen, 1)

	Go(nil, "backpack-read", func(ctx context.Context) {
		label, _ := pprof.Label(ctx, "goroutine_name")
		ch <- seen{name: Name(ctx), label: label}
	})

	got := <-ch
	assert.Equal(t, "backpack-read", got.name)
	assert.Equal(t, "backpack-read", got.label, "pprof label MUST carry the goroutine name")
}

func TestName_Unlabelled(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	//nolint:staticcheck
	assert.Empty(t, Name(nil))
}
