package observability

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	UptimeSec       int64                       `json:"uptime_sec"`
	TotalRequests   int64                       `json:"total_requests"`
	TotalErrors     int64                       `json:"total_errors"`
	InFlight        int64                       `json:"in_flight"`
	RateLimitWaits  int64                       `json:"rate_limit_waits"`
	RateLimitWaitMs int64                       `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot          `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot   `json:"methods"`
	Outcomes        map[string]map[string]int64 `json:"outcomes"`
	Transitions     map[string]int64            `json:"transitions"`
	Alerts          int64                       `json:"alerts"`
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

// callStats tracks one call name: a gRPC method or a step/direction pair.
type callStats struct {
	count    atomic.Int64
	errors   atomic.Int64
	inFlight atomic.Int64
	total    atomic.Int64
	max      atomic.Int64
	last     atomic.Int64
}

func (s *callStats) observe(d time.Duration, failed bool) {
	s.inFlight.Add(-1)
	s.count.Add(1)
	if failed {
		s.errors.Add(1)
	}
	n := int64(d)
	s.total.Add(n)
	s.last.Store(n)
	for {
		cur := s.max.Load()
		if n <= cur || s.max.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *callStats) snapshot() MethodSnapshot {
	count := s.count.Load()
	snap := MethodSnapshot{
		Count:         count,
		Errors:        s.errors.Load(),
		InFlight:      s.inFlight.Load(),
		MaxLatencyMs:  millis(s.max.Load()),
		LastLatencyMs: millis(s.last.Load()),
	}
	if count > 0 {
		snap.AvgLatencyMs = millis(s.total.Load()) / float64(count)
	}
	return snap
}

func millis(nanos int64) float64 {
	return float64(time.Duration(nanos).Milliseconds())
}

type outcomeKey struct {
	name    string
	outcome string
}

type shutdown struct {
	at       time.Time
	inflight int64
}

// Metrics keeps in-process counters for calls, step outcomes and saga
// transitions. Counters are lock-free; a nil *Metrics is a valid no-op.
type Metrics struct {
	start       time.Time
	calls       *xsync.MapOf[string, *callStats]
	outcomes    *xsync.MapOf[outcomeKey, *xsync.Counter]
	transitions *xsync.MapOf[string, *xsync.Counter]
	alerts      *xsync.Counter
	waits       *xsync.Counter
	waited      *xsync.Counter
	shutdown    atomic.Pointer[shutdown]
}

// CallSpan measures one call started with Metrics.Start.
type CallSpan struct {
	stats *callStats
	start time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:       time.Now(),
		calls:       xsync.NewMapOf[string, *callStats](),
		outcomes:    xsync.NewMapOf[outcomeKey, *xsync.Counter](),
		transitions: xsync.NewMapOf[string, *xsync.Counter](),
		alerts:      xsync.NewCounter(),
		waits:       xsync.NewCounter(),
		waited:      xsync.NewCounter(),
	}
}

func newCallStats() *callStats { return &callStats{} }

func counter(m *xsync.MapOf[string, *xsync.Counter], key string) *xsync.Counter {
	c, _ := m.LoadOrCompute(key, xsync.NewCounter)
	return c
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	stats, _ := m.calls.LoadOrCompute(method, newCallStats)
	stats.inFlight.Add(1)
	return &CallSpan{stats: stats, start: time.Now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.stats == nil {
		return
	}
	s.stats.observe(time.Since(s.start), err != nil)
}

// RecordOutcome counts a normalized step outcome for name.
func (m *Metrics) RecordOutcome(name, outcome string) {
	if m == nil {
		return
	}
	c, _ := m.outcomes.LoadOrCompute(outcomeKey{name: name, outcome: outcome}, xsync.NewCounter)
	c.Inc()
}

// RecordTransition counts sagas entering state.
func (m *Metrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	counter(m.transitions, state).Inc()
}

// RecordAlert counts sagas that need an operator.
func (m *Metrics) RecordAlert() {
	if m == nil {
		return
	}
	m.alerts.Inc()
}

// AddRateLimitWait records one throttling pause of d.
func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.waits.Inc()
	m.waited.Add(int64(d))
}

// MarkShutdown records when draining began and how much work was left.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.shutdown.Store(&shutdown{at: time.Now(), inflight: inflight})
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		Outcomes:        make(map[string]map[string]int64),
		Transitions:     make(map[string]int64),
		Alerts:          m.alerts.Value(),
		RateLimitWaits:  m.waits.Value(),
		RateLimitWaitMs: time.Duration(m.waited.Value()).Milliseconds(),
	}

	m.calls.Range(func(method string, stats *callStats) bool {
		ms := stats.snapshot()
		snap.Methods[method] = ms
		snap.TotalRequests += ms.Count
		snap.TotalErrors += ms.Errors
		snap.InFlight += ms.InFlight
		return true
	})
	m.outcomes.Range(func(k outcomeKey, c *xsync.Counter) bool {
		byOutcome, ok := snap.Outcomes[k.name]
		if !ok {
			byOutcome = make(map[string]int64)
			snap.Outcomes[k.name] = byOutcome
		}
		byOutcome[k.outcome] = c.Value()
		return true
	})
	m.transitions.Range(func(state string, c *xsync.Counter) bool {
		snap.Transitions[state] = c.Value()
		return true
	})

	if sd := m.shutdown.Load(); sd != nil {
		snap.Lifecycle = &LifecycleSnapshot{ShutdownAt: sd.at, InFlightAtShutdown: sd.inflight}
	}
	return snap
}
