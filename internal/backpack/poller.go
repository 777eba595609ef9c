package backpack

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/eventloop"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultPollInterval is the polling period until SetPollingInterval changes it.
const DefaultPollInterval = 500 * time.Millisecond

// poller reads every subscribed attribute once per interval. A single timer
// drives it; an attribute whose previous read is still outstanding is skipped.
type poller struct {
	clock    eventloop.Clock
	logger   *logrus.Logger
	interval time.Duration
	timer    eventloop.Timer

	// subscribed attributes keyed by slot, in subscription order
	subs *orderedmap.OrderedMap[uint8, AttributeRef]

	read   func(ref AttributeRef) error
	isOpen func(ref AttributeRef) bool
}

func newPoller(clock eventloop.Clock, logger *logrus.Logger, read func(AttributeRef) error, isOpen func(AttributeRef) bool) *poller {
	return &poller{
		clock:    clock,
		logger:   logger,
		interval: DefaultPollInterval,
		subs:     orderedmap.New[uint8, AttributeRef](),
		read:     read,
		isOpen:   isOpen,
	}
}

func (p *poller) add(ref AttributeRef) error {
	if existing, ok := p.subs.Get(ref.slot); ok && existing == ref {
		return nil
	}
	if p.subs.Len() >= MaxAttributes {
		p.logger.WithField("ref", ref).Error("Subscription set is full")
		return ErrCapacityExceeded
	}
	p.subs.Set(ref.slot, ref)
	return nil
}

func (p *poller) remove(ref AttributeRef) {
	if existing, ok := p.subs.Get(ref.slot); ok && existing == ref {
		p.subs.Delete(ref.slot)
	}
}

func (p *poller) clear() {
	p.subs = orderedmap.New[uint8, AttributeRef]()
}

func (p *poller) subscribed() []AttributeRef {
	refs := make([]AttributeRef, 0, p.subs.Len())
	for pair := p.subs.Oldest(); pair != nil; pair = pair.Next() {
		refs = append(refs, pair.Value)
	}
	return refs
}

func (p *poller) running() bool {
	return p.timer != nil
}

// resume starts polling immediately. It does nothing while running or with
// nothing to poll.
func (p *poller) resume() {
	if p.running() || p.subs.Len() == 0 {
		return
	}
	p.logger.WithField("subscriptions", p.subs.Len()).Debug("Polling resumed")
	p.timer = p.clock.AfterFunc(0, p.tick)
}

func (p *poller) suspend() {
	if p.timer == nil {
		return
	}
	p.timer.Stop()
	p.timer = nil
	p.logger.Debug("Polling suspended")
}

func (p *poller) setInterval(d time.Duration) {
	p.interval = d
}

func (p *poller) tick() {
	p.timer = nil

	for _, ref := range p.subscribed() {
		if p.isOpen(ref) {
			p.logger.WithField("ref", ref).Warn("Previous read outstanding, skipping")
			continue
		}
		_ = p.read(ref)
	}

	if p.timer == nil {
		p.timer = p.clock.AfterFunc(p.interval, p.tick)
	}
}
