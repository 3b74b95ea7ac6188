package netmon

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/tarpsync/internal/bus"
	"go.uber.org/zap"
)

// State is the observed connectivity.
type State string

const (
	Offline State = "OFFLINE"
	Online  State = "ONLINE"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline: {Online},
	Online:  {Offline},
}

// StatusChange is the payload for net.status_changed events.
type StatusChange struct {
	From State
	To   State
}

// Prober checks whether the backend is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Hook is work triggered by the monitor.
type Hook func(ctx context.Context)

// Config holds the monitor intervals. A zero interval disables that ticker.
type Config struct {
	DrainInterval time.Duration
	ProbeInterval time.Duration
}

// Monitor tracks connectivity. Going Offline->Online runs the OnOnline hooks
// once, in registration order; while online the OnTick hooks run every
// DrainInterval.
type Monitor struct {
	mu       sync.RWMutex
	current  State
	pinned   bool
	onOnline []Hook
	onTick   []Hook

	cfg    Config
	prober Prober
	bus    *bus.Bus
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor starting Offline. prober may be nil, in which case
// only Report and SetOnline change the state.
func New(cfg Config, prober Prober, b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		current: Offline,
		cfg:     cfg,
		prober:  prober,
		bus:     b,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// OnOnline registers a hook run on every Offline->Online transition.
func (m *Monitor) OnOnline(h Hook) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, h)
	m.mu.Unlock()
}

// OnTick registers a hook run on every periodic tick while online.
func (m *Monitor) OnTick(h Hook) {
	m.mu.Lock()
	m.onTick = append(m.onTick, h)
	m.mu.Unlock()
}

// Current returns the current state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsOnline reports whether the current state is Online.
func (m *Monitor) IsOnline() bool { return m.Current() == Online }

// Pinned reports whether a manual override is in effect.
func (m *Monitor) Pinned() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Monitor) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	hooks := slices.Clone(m.onOnline)
	ctx := m.ctx
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.String("from", string(from)), zap.String("to", string(to)))
	m.bus.Emit(bus.KindNetStatus, StatusChange{From: from, To: to})

	if from == Offline && to == Online && len(hooks) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for _, h := range hooks {
				if ctx.Err() != nil {
					return
				}
				h(ctx)
			}
		}()
	}
	return nil
}

// Report feeds an observation from a probe or the push feed. Observations
// matching the current state are no-ops, as are all observations while a
// manual override is pinned.
func (m *Monitor) Report(online bool) {
	if m.Pinned() {
		return
	}
	m.set(online)
}

// SetOnline pins the state until ClearOverride is called.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.pinned = true
	m.mu.Unlock()
	m.set(online)
}

// ClearOverride returns control to probes and triggers an immediate probe.
func (m *Monitor) ClearOverride(ctx context.Context) {
	m.mu.Lock()
	m.pinned = false
	m.mu.Unlock()
	m.probe(ctx)
}

func (m *Monitor) set(online bool) {
	to := Offline
	if online {
		to = Online
	}
	if m.Current() == to {
		return
	}
	// A concurrent report may have won the race; that is fine.
	_ = m.Transition(to)
}

// Start begins the probe and drain tickers.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.ctx, m.cancel = ctx, cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop stops the tickers and waits for running hooks to return.
func (m *Monitor) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func tickerC(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (m *Monitor) loop(ctx context.Context) {
	drainC, stopDrain := tickerC(m.cfg.DrainInterval)
	defer stopDrain()
	probeC, stopProbe := tickerC(m.cfg.ProbeInterval)
	defer stopProbe()

	m.probe(ctx)
	for {
		select {
		case <-probeC:
			m.probe(ctx)
		case <-drainC:
			if m.IsOnline() {
				m.tick(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	if m.prober == nil || m.Pinned() {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := m.prober.Ping(pctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
	}
	m.Report(err == nil)
}

func (m *Monitor) tick(ctx context.Context) {
	m.mu.RLock()
	hooks := slices.Clone(m.onTick)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(ctx)
	}
}
