// Package goble carries backpack attribute traffic over a BLE link using
// go-ble. Each backpack service is a GATT service and each attribute a
// characteristic under the backpack base UUID.
//
// Reads and writes run on worker goroutines. Their completions, availability
// changes and notifications are posted to a Dispatcher, normally the client's
// event loop, so the client sees them on its own thread.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/groutine"
	"github.com/srg/backpack/internal/protocol"
	"github.com/srg/backpack/internal/transport"
)

const (
	// DefaultOperationTimeout bounds a read or write until SetTimeout is called.
	DefaultOperationTimeout = time.Second
	// DefaultConnectTimeout bounds dialing and profile discovery.
	DefaultConnectTimeout = 30 * time.Second
)

// Dispatcher runs callbacks on the client's logical thread.
// eventloop.Loop implements it.
type Dispatcher interface {
	Post(fn func()) bool
}

type entry struct {
	handle  *transport.Handle
	buf     []byte
	writing bool
	busy    atomic.Bool
}

func (e *entry) release() {
	e.busy.Store(false)
}

// Transport implements transport.Transport on a go-ble connection.
type Transport struct {
	dispatch       Dispatcher
	logger         *logrus.Logger
	connectTimeout time.Duration
	timeout        atomic.Int64

	handles *hashmap.Map[uint32, *entry]

	mu        sync.RWMutex
	client    gattClient
	profile   *ble.Profile
	available map[protocol.ServiceID]bool
	notifying []*ble.Characteristic
	sink      transport.Sink
	stop      context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(logger *logrus.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.connectTimeout = d
	}
}

// New creates a disconnected transport delivering its events through d.
func New(d Dispatcher, opts ...Option) *Transport {
	t := &Transport{
		dispatch:       d,
		connectTimeout: DefaultConnectTimeout,
		handles:        hashmap.New[uint32, *entry](),
		available:      make(map[protocol.ServiceID]bool),
	}
	t.timeout.Store(int64(DefaultOperationTimeout))
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logrus.New()
	}
	return t
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// Connect dials the backpack, discovers its profile and announces the
// backpack services it offers. It blocks until connected or ctx expires.
func (t *Transport) Connect(ctx context.Context, address string) error {
	if strings.TrimSpace(address) == "" {
		t.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}

	t.mu.RLock()
	connected := t.client != nil
	t.mu.RUnlock()
	if connected {
		t.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return ErrAlreadyConnected
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": t.connectTimeout,
	}).Info("Connecting to backpack...")

	connCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	client, err := Dial(connCtx, address)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial backpack")
		return fmt.Errorf("failed to connect to device with address \"%s\": %w", address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	monitorCtx, stop := context.WithCancel(context.Background())
	t.mu.Lock()
	t.client = client
	t.profile = profile
	t.stop = stop
	t.mu.Unlock()

	t.subscribeNotifications(client, profile)

	found := 0
	for _, service := range protocol.Services {
		if profile.FindService(ble.NewService(ServiceUUID(service))) != nil {
			t.setAvailable(service, true)
			found++
		}
	}

	groutine.Go(monitorCtx, "backpack-connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			t.logger.Warn("Backpack reported disconnection")
			t.drop(client)
		case <-ctx.Done():
		}
	})

	t.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": found,
	}).Info("Backpack connected")
	return nil
}

// Disconnect tears the link down. Every available service is reported as
// unavailable first.
func (t *Transport) Disconnect() error {
	t.mu.RLock()
	client := t.client
	notifying := t.notifying
	t.mu.RUnlock()
	if client == nil {
		t.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	if !t.drop(client) {
		return nil
	}

	for _, char := range notifying {
		if err := client.Unsubscribe(char, false); err != nil {
			t.logger.WithFields(logrus.Fields{
				"char_uuid": char.UUID.String(),
				"error":     err,
			}).Debug("Failed to unsubscribe")
		}
	}

	if err := client.CancelConnection(); err != nil {
		t.logger.WithField("error", err).Warn("Backpack disconnected with errors")
		return NormalizeError(err)
	}
	t.logger.Info("Backpack disconnected")
	return nil
}

// drop forgets client if it is still the current one. It reports whether it
// did.
func (t *Transport) drop(client gattClient) bool {
	t.mu.Lock()
	if t.client != client {
		t.mu.Unlock()
		return false
	}
	stop := t.stop
	t.client = nil
	t.profile = nil
	t.stop = nil
	t.notifying = nil
	var lost []protocol.ServiceID
	for _, service := range protocol.Services {
		if t.available[service] {
			lost = append(lost, service)
		}
	}
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, service := range lost {
		t.setAvailable(service, false)
	}
	return true
}

func (t *Transport) setAvailable(service protocol.ServiceID, available bool) {
	t.mu.Lock()
	t.available[service] = available
	t.mu.Unlock()

	t.deliver(func(s transport.Sink) {
		s.AvailabilityChanged(service, available)
	})
}

func (t *Transport) subscribeNotifications(client gattClient, profile *ble.Profile) {
	var notifying []*ble.Characteristic
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			if char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
				continue
			}
			service, attribute, ok := parseCharacteristic(char.UUID)
			if !ok {
				continue
			}
			err := client.Subscribe(char, false, func(_ []byte) {
				t.notified(service, attribute)
			})
			if err != nil {
				t.logger.WithFields(logrus.Fields{
					"service":      service,
					"attribute_id": fmt.Sprintf("0x%04x", uint16(attribute)),
					"error":        err,
				}).Warn("Failed to subscribe to notifications")
				continue
			}
			notifying = append(notifying, char)
		}
	}

	t.mu.Lock()
	t.notifying = notifying
	t.mu.Unlock()
}

func (t *Transport) notified(service protocol.ServiceID, attribute protocol.AttributeID) {
	var target *transport.Handle
	t.handles.Range(func(_ uint32, e *entry) bool {
		if e.handle.Service() == service && e.handle.Attribute() == attribute {
			target = e.handle
			return false
		}
		return true
	})
	if target == nil {
		t.logger.WithFields(logrus.Fields{
			"service":      service,
			"attribute_id": fmt.Sprintf("0x%04x", uint16(attribute)),
		}).Debug("Notification for unregistered attribute")
		return
	}
	t.deliver(func(s transport.Sink) {
		s.Notified(target)
	})
}

// ---------------------------------------------------------------------------
// transport.Transport
// ---------------------------------------------------------------------------

func (t *Transport) Create(service protocol.ServiceID, attribute protocol.AttributeID, length int) (*transport.Handle, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid attribute length %d: %w", length, transport.ErrPayloadSize)
	}
	h := transport.NewHandle(service, attribute, length)
	t.handles.Set(h.ID(), &entry{handle: h, buf: make([]byte, length)})
	return h, nil
}

func (t *Transport) Destroy(h *transport.Handle) {
	t.handles.Del(h.ID())
}

func (t *Transport) Subscribe(sink transport.Sink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *Transport) Unsubscribe() {
	t.mu.Lock()
	t.sink = nil
	t.mu.Unlock()
}

func (t *Transport) SetTimeout(d time.Duration) {
	t.timeout.Store(int64(d))
}

func (t *Transport) ServiceAvailable(service protocol.ServiceID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.available[service]
}

func (t *Transport) BeginRead(h *transport.Handle) error {
	e, client, char, err := t.prepare(h)
	if err != nil {
		return err
	}
	if !e.busy.CompareAndSwap(false, true) {
		return transport.ErrBusy
	}

	groutine.Go(context.Background(), "backpack-read", func(ctx context.Context) {
		data, err := t.withTimeout(ctx, func() ([]byte, error) {
			return client.ReadCharacteristic(char)
		}, e.release)
		t.completeRead(h, err, data)
	})
	return nil
}

func (t *Transport) BeginWrite(h *transport.Handle) ([]byte, error) {
	e, ok := t.handles.Get(h.ID())
	if !ok {
		return nil, transport.ErrUnknownHandle
	}
	if e.writing || e.busy.Load() {
		return nil, transport.ErrBusy
	}
	e.writing = true
	clear(e.buf)
	return e.buf, nil
}

func (t *Transport) EndWrite(h *transport.Handle, n int, requestRead bool) error {
	e, ok := t.handles.Get(h.ID())
	if !ok {
		return transport.ErrUnknownHandle
	}
	if !e.writing {
		return fmt.Errorf("end write without begin write on %s", h)
	}
	e.writing = false
	if n < 0 || n > len(e.buf) {
		return transport.ErrPayloadSize
	}

	_, client, char, err := t.prepare(h)
	if err != nil {
		return err
	}
	if !e.busy.CompareAndSwap(false, true) {
		return transport.ErrBusy
	}
	value := make([]byte, n)
	copy(value, e.buf[:n])

	groutine.Go(context.Background(), "backpack-write", func(ctx context.Context) {
		release := e.release
		if requestRead {
			release = func() {}
		}
		_, err := t.withTimeout(ctx, func() ([]byte, error) {
			return nil, client.WriteCharacteristic(char, value, false)
		}, release)
		t.completeWrite(h, err)

		if !requestRead {
			return
		}
		if err != nil {
			e.release()
			t.completeRead(h, err, nil)
			return
		}
		data, err := t.withTimeout(ctx, func() ([]byte, error) {
			return client.ReadCharacteristic(char)
		}, e.release)
		t.completeRead(h, err, data)
	})
	return nil
}

// prepare resolves everything an operation on h needs.
func (t *Transport) prepare(h *transport.Handle) (*entry, gattClient, *ble.Characteristic, error) {
	e, ok := t.handles.Get(h.ID())
	if !ok {
		return nil, nil, nil, transport.ErrUnknownHandle
	}

	t.mu.RLock()
	client, profile, available := t.client, t.profile, t.available[h.Service()]
	t.mu.RUnlock()
	if client == nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrNotConnected, transport.ErrUnavailable)
	}
	if !available {
		return nil, nil, nil, transport.ErrUnavailable
	}

	char := profile.FindCharacteristic(ble.NewCharacteristic(CharacteristicUUID(h.Service(), h.Attribute())))
	if char == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", transport.ErrNotSupported, h)
	}
	return e, client, char, nil
}

// withTimeout runs op and gives up waiting after the operation timeout.
// release runs when op returns, even if that is after the timeout.
func (t *Transport) withTimeout(ctx context.Context, op func() ([]byte, error), release func()) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(t.timeout.Load()))
	defer cancel()

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	groutine.Go(ctx, groutine.Name(ctx)+"-op", func(context.Context) {
		data, err := op()
		release()
		done <- outcome{data, err}
	})

	select {
	case o := <-done:
		return o.data, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) completeRead(h *transport.Handle, err error, data []byte) {
	result := resultOf(err)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"handle": h,
			"result": result,
			"error":  err,
		}).Debug("Read failed")
		data = nil
	}
	t.deliverFor(h, func(s transport.Sink) {
		s.ReadComplete(h, result, data)
	})
}

func (t *Transport) completeWrite(h *transport.Handle, err error) {
	result := resultOf(err)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"handle": h,
			"result": result,
			"error":  err,
		}).Debug("Write failed")
	}
	t.deliverFor(h, func(s transport.Sink) {
		s.WriteComplete(h, result)
	})
}

// deliverFor delivers only while h is still registered.
func (t *Transport) deliverFor(h *transport.Handle, fn func(transport.Sink)) {
	t.deliver(func(s transport.Sink) {
		if _, ok := t.handles.Get(h.ID()); !ok {
			t.logger.WithField("handle", h).Debug("Completion for destroyed handle dropped")
			return
		}
		fn(s)
	})
}

func (t *Transport) deliver(fn func(transport.Sink)) {
	ok := t.dispatch.Post(func() {
		t.mu.RLock()
		s := t.sink
		t.mu.RUnlock()
		if s != nil {
			fn(s)
		}
	})
	if !ok {
		t.logger.Debug("Dispatcher stopped, transport event dropped")
	}
}
