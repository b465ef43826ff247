package llm

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/safego"
)

// CircuitState represents the state of one circuit.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, reject calls
	CircuitHalfOpen                     // one probe allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSettings tunes the circuit breaker board.
type BreakerSettings struct {
	ErrorWindow        time.Duration // rolling window for error rate (default 5m)
	ErrorRateThreshold float64       // open above this rate (default 0.20)
	MinSamples         int           // minimum calls in window before rate applies (default 10)
	CostWindow         time.Duration // rolling window for cost rate (default 1h)
	CostPerHourLimit   float64       // open above this $/h (default 30)
	Cooldown           time.Duration // open duration before a probe (default 5m)
	IdleExpiry         time.Duration // trim circuits idle longer than this (default 24h)
}

// DefaultBreakerSettings returns production defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ErrorWindow:        5 * time.Minute,
		ErrorRateThreshold: 0.20,
		MinSamples:         10,
		CostWindow:         time.Hour,
		CostPerHourLimit:   30.0,
		Cooldown:           5 * time.Minute,
		IdleExpiry:         24 * time.Hour,
	}
}

type callSample struct {
	at   time.Time
	fail bool
	cost float64
}

type circuit struct {
	state      CircuitState
	openedAt   time.Time
	lastSeen   time.Time
	samples    []callSample
	probeInUse bool
}

const breakerShards = 16

type breakerShard struct {
	mu       sync.Mutex
	circuits map[string]*circuit
}

// BreakerBoard is a sharded set of circuit breakers keyed on
// (function, user) when the user is known, else function-wide. A circuit
// opens when the rolling error rate or the estimated hourly cost trips.
type BreakerBoard struct {
	settings BreakerSettings
	shards   [breakerShards]*breakerShard
	logger   *zap.Logger
	stop     chan struct{}
}

// NewBreakerBoard creates a board and starts the idle-circuit sweeper.
func NewBreakerBoard(settings BreakerSettings, logger *zap.Logger) *BreakerBoard {
	if settings.ErrorWindow <= 0 {
		settings = DefaultBreakerSettings()
	}
	b := &BreakerBoard{settings: settings, logger: logger, stop: make(chan struct{})}
	for i := range b.shards {
		b.shards[i] = &breakerShard{circuits: make(map[string]*circuit)}
	}
	safego.Go(logger, "circuit-breaker-sweeper", b.sweepLoop)
	return b
}

// Close stops the background sweeper.
func (b *BreakerBoard) Close() {
	close(b.stop)
}

// Key builds a circuit key. userID may be empty for a function-wide circuit.
func Key(function, userID string) string {
	if userID == "" {
		return function
	}
	return function + "|" + userID
}

// Allow checks whether a call may proceed. While open, calls are rejected
// for the cooldown; after the cooldown one probe is allowed (half-open).
func (b *BreakerBoard) Allow(key string) error {
	sh := b.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.circuits[key]
	if !ok {
		return nil
	}
	c.lastSeen = time.Now()

	switch c.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(c.openedAt) >= b.settings.Cooldown {
			c.state = CircuitHalfOpen
			c.probeInUse = true
			return nil
		}
		return apperrors.New(apperrors.KindCircuitOpen, "circuit open for "+key)
	case CircuitHalfOpen:
		if c.probeInUse {
			return apperrors.New(apperrors.KindCircuitOpen, "circuit half-open, probe in flight for "+key)
		}
		c.probeInUse = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call and its cost.
func (b *BreakerBoard) RecordSuccess(key string, cost float64) {
	b.record(key, false, cost)
}

// RecordFailure records a failed call and its cost.
func (b *BreakerBoard) RecordFailure(key string, cost float64) {
	b.record(key, true, cost)
}

// State returns the current state of a circuit (closed when unknown).
func (b *BreakerBoard) State(key string) CircuitState {
	sh := b.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok := sh.circuits[key]; ok {
		return c.state
	}
	return CircuitClosed
}

func (b *BreakerBoard) record(key string, fail bool, cost float64) {
	now := time.Now()
	sh := b.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.circuits[key]
	if !ok {
		c = &circuit{state: CircuitClosed}
		sh.circuits[key] = c
	}
	c.lastSeen = now
	c.samples = append(c.samples, callSample{at: now, fail: fail, cost: cost})
	b.pruneLocked(c, now)

	if c.state == CircuitHalfOpen {
		c.probeInUse = false
		if fail {
			c.state = CircuitOpen
			c.openedAt = now
			b.logger.Warn("Circuit re-opened after failed probe", zap.String("circuit", key))
		} else {
			c.state = CircuitClosed
			b.logger.Info("Circuit closed after successful probe", zap.String("circuit", key))
		}
		return
	}

	if c.state != CircuitClosed {
		return
	}

	if reason := b.tripReasonLocked(c, now); reason != "" {
		c.state = CircuitOpen
		c.openedAt = now
		b.logger.Warn("Circuit opened",
			zap.String("circuit", key),
			zap.String("reason", reason),
		)
	}
}

func (b *BreakerBoard) tripReasonLocked(c *circuit, now time.Time) string {
	var calls, failures int
	var windowCost float64
	errCutoff := now.Add(-b.settings.ErrorWindow)
	costCutoff := now.Add(-b.settings.CostWindow)
	for _, s := range c.samples {
		if s.at.After(errCutoff) {
			calls++
			if s.fail {
				failures++
			}
		}
		if s.at.After(costCutoff) {
			windowCost += s.cost
		}
	}
	if calls >= b.settings.MinSamples &&
		float64(failures)/float64(calls) > b.settings.ErrorRateThreshold {
		return "error_rate"
	}
	hourly := windowCost * float64(time.Hour) / float64(b.settings.CostWindow)
	if hourly > b.settings.CostPerHourLimit {
		return "cost_rate"
	}
	return ""
}

func (b *BreakerBoard) pruneLocked(c *circuit, now time.Time) {
	cutoff := now.Add(-b.settings.CostWindow)
	if b.settings.ErrorWindow > b.settings.CostWindow {
		cutoff = now.Add(-b.settings.ErrorWindow)
	}
	i := 0
	for ; i < len(c.samples); i++ {
		if c.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

func (b *BreakerBoard) shard(key string) *breakerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.shards[h.Sum32()%breakerShards]
}

func (b *BreakerBoard) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.settings.IdleExpiry)
			for _, sh := range b.shards {
				sh.mu.Lock()
				for key, c := range sh.circuits {
					if c.lastSeen.Before(cutoff) {
						delete(sh.circuits, key)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
