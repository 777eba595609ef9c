package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a single status line updated while a command waits
// on the backpack: connecting, handshaking or erasing the log.
//
//	p := NewProgressPrinter(os.Stdout, "Connecting to AA:BB", "dialing", "ready")
//	p.Start()
//	defer p.Stop()
//
// Stop must be called to end the refresh goroutine. A printer is single-use.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}

	// countdown is zero for a printer that shows elapsed time
	countdown time.Duration

	startTime time.Time
	started   atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer showing elapsed seconds. Setting one
// of stopPhases through Callback stops it.
func NewProgressPrinter(out io.Writer, prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(out, prefix, phase, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a printer showing the seconds left of
// duration.
func NewCountdownProgressPrinter(out io.Writer, prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(out, prefix, phase, duration, stopPhases)
}

func newProgressPrinter(out io.Writer, prefix, phase string, countdown time.Duration, stopPhases []string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		countdown:  countdown,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// Start begins refreshing the line. Panics if called twice.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()
	p.print(p.phase.Load().(string), 0)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if p.isStopPhase(phase) {
					return
				}
				p.print(phase, p.seconds(time.Since(p.startTime)))
			}
		}
	}()
}

// seconds is the number shown next to the phase: elapsed, or remaining
// rounded to the nearest second and held at zero once the countdown ends.
func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.countdown == 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
		return
	}
	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
}

func (p *ProgressPrinter) isStopPhase(phase string) bool {
	_, ok := p.stopPhases[phase]
	return ok
}

// Callback returns a function that switches the phase. Switching to a stop
// phase stops the printer. Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if p.isStopPhase(phase) {
			p.Stop()
		}
	}
}

// Stop ends the refresh and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		if p.started.Load() {
			<-p.done
		}
		fmt.Fprint(p.out, clearLineSequence)
	})
}
