package pppoe

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Admission is the flood guard's verdict on a PADI.
type Admission int

const (
	Admitted Admission = iota
	Dropped
)

func (a Admission) String() string {
	if a == Admitted {
		return "Admitted"
	}
	return "Dropped"
}

// FloodGuard limits the number of PADI packets processed per interface
// within a sliding window. Callers serialise Admit and Prune; Dropped is
// safe from any goroutine.
type FloodGuard struct {
	limit        int
	window       time.Duration
	warnInterval time.Duration
	logger       *zap.Logger

	// admission times inside the current window, oldest first
	admitted []time.Time
	lastWarn time.Time
	dropped  uint64
}

// NewFloodGuard creates a flood guard admitting at most limit PADIs per
// window. A limit of zero or less disables the guard.
func NewFloodGuard(limit int, window, warnInterval time.Duration, logger *zap.Logger) *FloodGuard {
	if window <= 0 {
		window = time.Second
	}
	if warnInterval <= 0 {
		warnInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FloodGuard{
		limit:        limit,
		window:       window,
		warnInterval: warnInterval,
		logger:       logger,
	}
}

// Admit records a PADI arriving at now.
func (g *FloodGuard) Admit(now time.Time) Admission {
	if g.limit <= 0 {
		return Admitted
	}
	g.Prune(now)

	if len(g.admitted) >= g.limit {
		atomic.AddUint64(&g.dropped, 1)
		if now.Sub(g.lastWarn) >= g.warnInterval {
			g.lastWarn = now
			g.logger.Warn("PADI limit reached, dropping PADI",
				zap.Int("limit", g.limit),
				zap.Duration("window", g.window),
				zap.Uint64("dropped_total", atomic.LoadUint64(&g.dropped)),
			)
		}
		return Dropped
	}

	g.admitted = append(g.admitted, now)
	return Admitted
}

// Prune forgets admissions that have left the window.
func (g *FloodGuard) Prune(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.admitted) && !g.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.admitted = append(g.admitted[:0], g.admitted[i:]...)
	}
}

// Pending returns the number of admissions still inside the window.
func (g *FloodGuard) Pending() int {
	return len(g.admitted)
}

// Dropped returns the number of PADIs dropped so far.
func (g *FloodGuard) Dropped() uint64 {
	return atomic.LoadUint64(&g.dropped)
}
