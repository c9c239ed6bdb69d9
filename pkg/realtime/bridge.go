// Package realtime republishes committed writes announced by the secondary
// backend's change feed (PostgreSQL LISTEN/NOTIFY) to local subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/internal/metrics"
	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/clinicsync/clinicsync/pkg/models"
)

// Sink receives parsed notifications, in arrival order for one connection.
type Sink func(models.ChangeNotification)

// Bridge keeps one subscription to the change feed alive until stopped.
//
// A lost connection is retried after the Retryer's delay. Notifications sent
// while disconnected are lost; no replay or dedup happens across reconnects.
type Bridge struct {
	dial     Dialer
	channels ChannelSet
	sink     Sink
	retryer  Retryer
	log      logger.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Bridge)

func WithRetryer(r Retryer) Option {
	return func(b *Bridge) {
		b.retryer = r
	}
}

func WithLogger(l logger.Logger) Option {
	return func(b *Bridge) {
		b.log = l
	}
}

func NewBridge(dial Dialer, channels ChannelSet, sink Sink, opts ...Option) *Bridge {
	b := &Bridge{
		dial:     dial,
		channels: channels,
		sink:     sink,
		retryer:  NewFixedDelayRetryer(constants.ReconnectDelay, 0),
		log:      logger.Nop(),
		state:    StateStopped,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) transitionTo(next State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transitionLocked(next)
}

func (b *Bridge) transitionLocked(next State) error {
	next, err := b.state.TransitionTo(next)
	if err != nil {
		return err
	}
	b.state = next
	b.log.Debug("realtime bridge state transitioned", "new_state", next.String())
	return nil
}

func (b *Bridge) mustTransitionTo(next State) {
	if err := b.transitionTo(next); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
}

// Start stops any running listener, then starts a new one bound to ctx.
// It returns once the listen loop is running, not once it is connected.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.channels.Validate(); err != nil {
		return err
	}
	b.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transitionLocked(StateStarting); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, b.done)

	b.log.Info("realtime bridge started", "channels", b.channels.Channels, "channel_set_version", b.channels.Version)
	return nil
}

// Stop cancels the listen loop and waits for it to exit. Stopping a stopped
// bridge is a no-op.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Bridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		b.mustTransitionTo(StateStopping)
		b.mustTransitionTo(StateStopped)
		b.log.Info("realtime bridge stopped")
	}()

	attempt := 0
	for {
		err := b.session(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}

		b.mustTransitionTo(StateReconnecting)
		metrics.BridgeReconnects.Inc()

		delay, ok := b.retryer.NextDelay(attempt, err)
		if !ok {
			b.log.Error("realtime bridge giving up", "attempts", attempt, "error", err)
			return
		}
		attempt++
		b.log.Warn("realtime connection lost, reconnecting", "delay", delay.String(), "attempt", attempt, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session connects, subscribes to every channel and forwards notifications
// until the connection fails. It always returns a non-nil error.
func (b *Bridge) session(ctx context.Context, onListening func()) error {
	l, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.Close(closeCtx); err != nil {
			b.log.Debug("failed to close listener", "error", err)
		}
	}()

	for _, ch := range b.channels.Channels {
		if err := l.Listen(ctx, ch); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", ch, err)
		}
	}

	b.mustTransitionTo(StateListening)
	b.retryer.Reset()
	onListening()

	for {
		channel, payload, err := l.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if channel == "" {
			return errors.New("notification stream ended")
		}

		n := ParseNotification(channel, payload)
		if n.Operation == models.OperationUnknown {
			b.log.Debug("unparsed change notification", "channel", channel, "payload", string(payload))
		}
		metrics.NotificationsForwarded.WithLabelValues(n.Table, string(n.Operation)).Inc()
		b.sink(n)
	}
}
