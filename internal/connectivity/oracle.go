// Package connectivity decides whether the back office server is reachable.
// A raw link is necessary but not sufficient: only a successful health probe
// within its timeout makes the terminal online.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Quality is an advisory classification of the connection. It never gates
// correctness.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// State is the current belief about reachability.
type State struct {
	IsOnline         bool       `json:"is_online"`
	IsSlowConnection bool       `json:"is_slow_connection"`
	ConnectionKind   Kind       `json:"connection_kind"`
	LinkUp           bool       `json:"link_up"`
	LatencyMS        int64      `json:"latency_ms"`
	LastOnlineAt     *time.Time `json:"last_online_at,omitempty"`
	LastOfflineAt    *time.Time `json:"last_offline_at,omitempty"`
	LastCheckedAt    *time.Time `json:"last_checked_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// Quality classifies s.
func (s State) Quality() Quality {
	switch {
	case !s.IsOnline:
		return QualityOffline
	case s.IsSlowConnection || s.ConnectionKind == KindCellular:
		return QualityPoor
	}
	return QualityExcellent
}

// Prober performs the liveness probe.
type Prober interface {
	Health(ctx context.Context) error
}

// Options configures an Oracle.
type Options struct {
	// Interval between periodic probes.
	Interval time.Duration

	// Timeout bounds each probe.
	Timeout time.Duration

	// SlowThreshold marks an online connection slow when the probe takes longer.
	SlowThreshold time.Duration

	// LinkPoll is how often the raw link is sampled for up transitions.
	LinkPoll time.Duration

	// Link reports the raw link state. Defaults to SystemLink.
	Link LinkFunc
}

// Oracle keeps the reachability belief current and notifies subscribers on
// online/offline transitions.
type Oracle struct {
	prober Prober
	opts   Options
	now    func() time.Time
	nudge  chan struct{}

	checkMu sync.Mutex

	mu      sync.RWMutex
	state   State
	checked bool
	nextSub int
	subs    map[int]chan State
}

// New creates an oracle. It believes offline until the first probe succeeds.
func New(prober Prober, opts Options) *Oracle {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = 1500 * time.Millisecond
	}
	if opts.LinkPoll <= 0 {
		opts.LinkPoll = 2 * time.Second
	}
	if opts.Link == nil {
		opts.Link = SystemLink
	}
	return &Oracle{
		prober: prober,
		opts:   opts,
		now:    time.Now,
		nudge:  make(chan struct{}, 1),
		state:  State{ConnectionKind: KindNone},
		subs:   make(map[int]chan State),
	}
}

// Run probes immediately, then on every interval, on every raw link-up
// transition and on every Nudge, until ctx is cancelled.
func (o *Oracle) Run(ctx context.Context) error {
	o.Check(ctx)

	probe := time.NewTicker(o.opts.Interval)
	defer probe.Stop()
	linkPoll := time.NewTicker(o.opts.LinkPoll)
	defer linkPoll.Stop()

	linkWasUp, _ := o.opts.Link()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-probe.C:
			o.Check(ctx)
		case <-o.nudge:
			o.Check(ctx)
		case <-linkPoll.C:
			up, _ := o.opts.Link()
			switch {
			case up && !linkWasUp:
				slog.Info("network link up, probing server")
				o.Check(ctx)
			case !up && linkWasUp:
				o.Check(ctx)
			}
			linkWasUp = up
		}
	}
}

// Nudge asks Run to probe as soon as possible.
func (o *Oracle) Nudge() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

// Check runs one probe now and returns the updated state.
func (o *Oracle) Check(ctx context.Context) State {
	o.checkMu.Lock()
	defer o.checkMu.Unlock()

	up, kind := o.opts.Link()
	if !up {
		return o.record(false, false, KindNone, false, 0, "no network link")
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	start := o.now()
	err := o.prober.Health(probeCtx)
	latency := o.now().Sub(start)
	if err != nil {
		return o.record(false, false, kind, true, latency, err.Error())
	}
	return o.record(true, latency > o.opts.SlowThreshold, kind, true, latency, "")
}

func (o *Oracle) record(online, slow bool, kind Kind, linkUp bool, latency time.Duration, errMsg string) State {
	now := o.now().UTC()

	o.mu.Lock()
	prev := o.state
	first := !o.checked
	o.checked = true

	s := prev
	s.IsOnline = online
	s.IsSlowConnection = online && slow
	s.ConnectionKind = kind
	s.LinkUp = linkUp
	s.LatencyMS = latency.Milliseconds()
	s.LastCheckedAt = &now
	s.LastError = errMsg

	changed := first || prev.IsOnline != online
	if changed {
		if online {
			s.LastOnlineAt = &now
		} else {
			s.LastOfflineAt = &now
		}
	}
	o.state = s

	if changed {
		for _, ch := range o.subs {
			select {
			case ch <- s:
			default:
			}
		}
	}
	o.mu.Unlock()

	if changed {
		if online {
			slog.Info("server reachable", "kind", kind, "latency", latency, "slow", s.IsSlowConnection)
		} else {
			slog.Warn("server unreachable", "kind", kind, "link_up", linkUp, "error", errMsg)
		}
	}
	return s
}

// State returns the current belief.
func (o *Oracle) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// IsOnline reports whether the server is currently believed reachable.
func (o *Oracle) IsOnline() bool {
	return o.State().IsOnline
}

// Quality returns the advisory quality of the current connection.
func (o *Oracle) Quality() Quality {
	return o.State().Quality()
}

// Subscribe returns a channel that receives the new state on every
// online/offline transition, and a function that unsubscribes and closes it.
func (o *Oracle) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	ch := make(chan State, 4)
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}
