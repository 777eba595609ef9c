// Package scanner discovers backpacks by the services they advertise.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/protocol"
	"github.com/srg/backpack/internal/ringchan"
	"github.com/srg/backpack/internal/transport/goble"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the backpack was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Event is published for every accepted advertisement.
type Event struct {
	Type     EventType
	Backpack Backpack
}

// Backpack is a discovered device.
type Backpack struct {
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	LastSeen    time.Time `json:"lastSeen"`
	// Services are the backpack services named in the advertisement.
	Services []protocol.ServiceID `json:"services"`
}

// Radio is the part of ble.Device the scanner uses.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}

// RadioFactory creates the scanning radio (can be overridden in tests)
//
//nolint:revive // RadioFactory name is intentional for test mocking
var RadioFactory = func() (Radio, error) {
	return goble.DeviceFactory()
}

// Options configures scanning behavior
type Options struct {
	// Duration bounds the scan; zero scans until ctx ends.
	Duration        time.Duration
	DuplicateFilter bool
	// All includes devices that advertise no backpack service.
	All       bool
	AllowList []string
	BlockList []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles backpack discovery
type Scanner struct {
	found  *hashmap.Map[string, Backpack]
	events *ringchan.RingChannel[Event]
	logger *logrus.Logger
	opts   *Options
	now    func() time.Time
}

// New creates a scanner.
func New(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		events: ringchan.New[Event](100),
		logger: logger,
		now:    time.Now,
	}
}

// Scan listens for advertisements until the duration passes or ctx ends and
// returns the backpacks seen, strongest signal first.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progress ProgressCallback) ([]Backpack, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}
	s.found = hashmap.New[string, Backpack]()
	s.opts = opts
	defer func() { s.opts = nil }()

	radio, err := RadioFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", goble.NormalizeError(err))
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Scanning for backpacks...")
	progress("Scanning")

	err = radio.Scan(ctx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", goble.NormalizeError(err))
	}

	progress("Processing results")
	found := make([]Backpack, 0, s.found.Len())
	s.found.Range(func(_ string, b Backpack) bool {
		found = append(found, b)
		return true
	})
	sort.Slice(found, func(i, j int) bool {
		if found[i].RSSI != found[j].RSSI {
			return found[i].RSSI > found[j].RSSI
		}
		return found[i].Address < found[j].Address
	})

	s.logger.WithField("backpack_count", len(found)).Info("Scan completed")
	return found, nil
}

// Events returns a read-only channel of discovery events. Slow readers lose
// the oldest events.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	address := adv.Addr().String()
	services := backpackServices(adv.Services())

	prev, existing := s.found.Get(address)
	if !existing && !s.accept(address, services) {
		return
	}

	b := Backpack{
		Address:     address,
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		LastSeen:    s.now(),
		Services:    services,
	}
	// names and service lists are often only in the scan response
	if b.Name == "" {
		b.Name = prev.Name
	}
	if len(b.Services) == 0 {
		b.Services = prev.Services
	}
	s.found.Set(address, b)

	event := Event{Type: EventUpdated, Backpack: b}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"name":    b.Name,
			"address": b.Address,
			"rssi":    b.RSSI,
		}).Info("Discovered backpack")
	}
	s.events.Send(event)
}

// accept applies the block, allow and service filters to a new address.
func (s *Scanner) accept(address string, services []protocol.ServiceID) bool {
	for _, blocked := range s.opts.BlockList {
		if address == blocked {
			return false
		}
	}
	if len(s.opts.AllowList) > 0 {
		allowed := false
		for _, a := range s.opts.AllowList {
			if address == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return s.opts.All || len(services) > 0
}

// backpackServices maps advertised UUIDs to backpack services.
func backpackServices(uuids []ble.UUID) []protocol.ServiceID {
	var out []protocol.ServiceID
	for _, service := range protocol.Services {
		want := goble.ServiceUUID(service)
		for _, u := range uuids {
			if want.Equal(u) {
				out = append(out, service)
				break
			}
		}
	}
	return out
}
