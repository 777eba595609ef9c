package main

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/backpack/internal/backpack"
	"github.com/srg/backpack/internal/eventloop"
	"github.com/srg/backpack/internal/transport/goble"
	"github.com/srg/backpack/pkg/config"
)

const closeTimeout = 2 * time.Second

// session is one connection to a backpack. The client runs on its own event
// loop; commands reach it through do and read its event stream.
type session struct {
	address string
	logger  *logrus.Logger
	loop    *eventloop.Loop
	tr      *goble.Transport
	client  *backpack.Client
	cancel  context.CancelFunc
}

// resolveAddress picks the device address from the first argument, falling
// back to the config file.
func resolveAddress(args []string, cfg *config.Config) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	if cfg.DeviceAddress != "" {
		return cfg.DeviceAddress, nil
	}
	return "", ErrNoAddress
}

// prepare loads config and logger for a command that talks to a device.
func prepare(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openSession connects and waits for the capability handshake. progress, if
// set, is told "Connecting", "Handshaking" and "Ready" in turn.
func openSession(ctx context.Context, address string, cfg *config.Config, logger *logrus.Logger, progress func(phase string)) (*session, error) {
	if progress == nil {
		progress = func(string) {}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := eventloop.New(logger, 0)
	loop.Start(loopCtx)

	tr := goble.New(loop,
		goble.WithLogger(logger),
		goble.WithConnectTimeout(cfg.ConnectTimeout),
	)
	client := backpack.New(tr, loop,
		backpack.WithLogger(logger),
		backpack.WithTransportTimeout(cfg.TransportTimeout),
		backpack.WithEventStream(cfg.EventBuffer),
		backpack.WithHistory(cfg.HistorySize),
	)
	s := &session{
		address: address,
		logger:  logger,
		loop:    loop,
		tr:      tr,
		client:  client,
		cancel:  cancel,
	}

	if err := s.do(ctx, func(c *backpack.Client) error { return c.Init() }); err != nil {
		cancel()
		return nil, err
	}

	progress("Connecting")
	if err := tr.Connect(ctx, address); err != nil {
		s.close()
		return nil, err
	}

	progress("Handshaking")
	if err := s.awaitConnected(ctx, cfg.ConnectTimeout); err != nil {
		s.close()
		return nil, err
	}
	progress("Ready")
	return s, nil
}

// do runs fn on the client's loop and returns its error.
func (s *session) do(ctx context.Context, fn func(c *backpack.Client) error) error {
	var err error
	if doErr := s.loop.Do(ctx, func() { err = fn(s.client) }); doErr != nil {
		return doErr
	}
	return err
}

func (s *session) connected(ctx context.Context) bool {
	var ok bool
	_ = s.do(ctx, func(c *backpack.Client) error {
		ok = c.Connected()
		return nil
	})
	return ok
}

func (s *session) awaitConnected(ctx context.Context, timeout time.Duration) error {
	if s.connected(ctx) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	events := s.client.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ErrConnectionLost
			}
			if ev.Kind == backpack.EventConnection && ev.Connected {
				return nil
			}
		case <-timer.C:
			return ErrHandshakeTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// settle consumes events for d so that replies to requests issued during the
// handshake can arrive. onEvent sees every event; a returned error ends the
// wait early.
func (s *session) settle(ctx context.Context, d time.Duration, onEvent func(ev backpack.Event) error) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	events := s.client.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok || (ev.Kind == backpack.EventConnection && !ev.Connected) {
				return ErrConnectionLost
			}
			if onEvent != nil {
				if err := onEvent(ev); err != nil {
					return err
				}
			}
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close releases the client, drops the link and stops the loop.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := s.loop.Do(ctx, s.client.Deinit); err != nil {
		s.logger.WithField("error", err).Warn("Failed to deinitialize backpack client")
	}
	if err := s.tr.Disconnect(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to disconnect")
	}
	s.cancel()
}
