package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/internal/metrics"
	"github.com/clinicsync/clinicsync/pkg/constants"
	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/clinicsync/clinicsync/pkg/models"
	"github.com/clinicsync/clinicsync/pkg/remote"
	"golang.org/x/sync/errgroup"
)

// ModeListener is called after the mode register changed.
type ModeListener func(prev, next models.ConnectionMode)

// ProbeOutcome is the result of one probe round.
type ProbeOutcome struct {
	Mode             models.ConnectionMode
	Previous         models.ConnectionMode
	PrimaryErr       error
	SecondaryErr     error
	SecondaryChecked bool
}

// Changed reports whether the round switched the mode.
func (o ProbeOutcome) Changed() bool {
	return o.Mode != o.Previous
}

// Manager owns the connection mode register.
//
// The register starts optimistically in primary mode and is only ever changed
// by Probe. Readers get a copy; no read does I/O.
type Manager struct {
	primary          remote.Prober
	secondary        remote.Prober
	secondaryAddress string

	interval time.Duration
	log      logger.Logger

	mu                 sync.RWMutex
	mode               models.ConnectionMode
	primaryAvailable   bool
	secondaryAvailable bool
	listeners          []ModeListener

	// probeMu keeps probe rounds from interleaving their register updates.
	probeMu sync.Mutex
}

type Option func(*Manager)

func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.interval = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager creates a manager. secondary may be nil when no on-premises
// backend is configured; secondaryAddress is only used in status text.
func NewManager(primary, secondary remote.Prober, secondaryAddress string, opts ...Option) *Manager {
	m := &Manager{
		primary:          primary,
		secondary:        secondary,
		secondaryAddress: secondaryAddress,
		interval:         constants.ProbeInterval,
		log:              logger.Nop(),
		mode:             models.ModePrimary,
		primaryAvailable: true,
	}
	for _, o := range opts {
		o(m)
	}
	metrics.SetMode(m.mode.String())
	return m
}

// DeriveMode applies the backend priority: primary, then secondary, then offline.
func DeriveMode(primaryOK, secondaryOK bool) models.ConnectionMode {
	switch {
	case primaryOK:
		return models.ModePrimary
	case secondaryOK:
		return models.ModeSecondary
	default:
		return models.ModeOffline
	}
}

// OnModeChange registers l. Listeners run on the probing goroutine, after the
// register is updated and outside its lock.
func (m *Manager) OnModeChange(l ModeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) HasSecondary() bool {
	return m.secondary != nil
}

func (m *Manager) Mode() models.ConnectionMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// ShouldUseSecondary is true when the secondary backend is both configured
// and the selected one.
func (m *Manager) ShouldUseSecondary() bool {
	return m.secondary != nil && m.Mode() == models.ModeSecondary
}

// Status returns a snapshot of the register.
func (m *Manager) Status() models.ConnectionStatus {
	m.mu.RLock()
	mode, primaryOK, secondaryOK := m.mode, m.primaryAvailable, m.secondaryAvailable
	m.mu.RUnlock()

	status := models.ConnectionStatus{
		Mode:               mode,
		PrimaryAvailable:   primaryOK,
		SecondaryAvailable: secondaryOK,
	}
	if m.secondary != nil {
		addr := m.secondaryAddress
		status.SecondaryAddress = &addr
	}

	switch mode {
	case models.ModePrimary:
		status.Description = "Connected to cloud backend"
	case models.ModeSecondary:
		status.Description = fmt.Sprintf("Cloud backend unreachable, using local server at %s", m.secondaryAddress)
	default:
		status.Description = "No backend reachable, working from local cache (read-only)"
	}
	return status
}

// Probe checks both backends concurrently, then updates the register. A
// failed check only lowers that backend's availability flag.
func (m *Manager) Probe(ctx context.Context) ProbeOutcome {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	var out ProbeOutcome
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out.PrimaryErr = m.primary.Probe(gctx)
		return nil
	})
	if m.secondary != nil {
		out.SecondaryChecked = true
		g.Go(func() error {
			out.SecondaryErr = m.secondary.Probe(gctx)
			return nil
		})
	}
	_ = g.Wait()

	// A round cut short by shutdown says nothing about the backends.
	if ctx.Err() != nil {
		mode := m.Mode()
		out.Mode, out.Previous = mode, mode
		return out
	}

	primaryOK := out.PrimaryErr == nil
	secondaryOK := out.SecondaryChecked && out.SecondaryErr == nil
	metrics.ProbeResult("primary", primaryOK)
	if out.SecondaryChecked {
		metrics.ProbeResult("secondary", secondaryOK)
	}
	if out.PrimaryErr != nil {
		m.log.Debug("primary probe failed", "kind", remote.Classify(out.PrimaryErr), "error", out.PrimaryErr)
	}

	next := DeriveMode(primaryOK, secondaryOK)

	m.mu.Lock()
	prev := m.mode
	m.primaryAvailable = primaryOK
	m.secondaryAvailable = secondaryOK
	m.mode = next
	listeners := append([]ModeListener(nil), m.listeners...)
	m.mu.Unlock()

	out.Mode, out.Previous = next, prev
	if next == prev {
		return out
	}

	metrics.SetMode(next.String())
	m.log.Info("connection mode changed", "from", prev.String(), "to", next.String(),
		"primary_available", primaryOK, "secondary_available", secondaryOK)
	for _, l := range listeners {
		l(prev, next)
	}
	return out
}

// Run probes at every interval until ctx is done. The first round runs one
// interval after the call; callers settle the initial mode with Probe.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return nil
		}
		m.Probe(ctx)
	}
}
