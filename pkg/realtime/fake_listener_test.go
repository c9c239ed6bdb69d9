package realtime

import (
	"context"
	"errors"
	"sync"
)

type message struct {
	channel string
	payload string
	err     error
}

// fakeListener delivers messages pushed on msgs. A message carrying an error
// ends the session like a dropped connection.
type fakeListener struct {
	msgs      chan message
	listenErr error

	mu       sync.Mutex
	listened []string
	closed   bool
}

func (l *fakeListener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listenErr != nil {
		return l.listenErr
	}
	l.listened = append(l.listened, channel)
	return nil
}

func (l *fakeListener) WaitForNotification(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case m := <-l.msgs:
		if m.err != nil {
			return "", nil, m.err
		}
		return m.channel, []byte(m.payload), nil
	}
}

func (l *fakeListener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// fakeDialer hands out the queued listeners in order, then fails.
type fakeDialer struct {
	mu        sync.Mutex
	listeners []*fakeListener
	dials     int
}

func (d *fakeDialer) dial(ctx context.Context) (Listener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.listeners) == 0 {
		return nil, errors.New("connection refused")
	}
	l := d.listeners[0]
	d.listeners = d.listeners[1:]
	return l, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
