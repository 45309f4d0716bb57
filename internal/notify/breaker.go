package notify

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a circuit state.
type State int

const (
	StateClosed   State = iota // deliveries flow
	StateOpen                  // deliveries rejected
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "exportguard",
	Subsystem: "notify",
	Name:      "circuit_transitions_total",
	Help:      "Alert endpoint circuit transitions by endpoint and target state.",
}, []string{"endpoint", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

// breaker guards one delivery endpoint. It opens after threshold
// consecutive failures, and after cooldown lets a single probe through.
type breaker struct {
	mu        sync.Mutex
	endpoint  string
	state     State
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(endpoint string, threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{endpoint: endpoint, threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.moveTo(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.moveTo(StateClosed)
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.moveTo(StateOpen)
	}
}

func (b *breaker) current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Caller holds b.mu.
func (b *breaker) moveTo(to State) {
	if b.state == to {
		return
	}
	b.state = to
	breakerTransitions.WithLabelValues(b.endpoint, to.String()).Inc()
}
