package circuit

import (
	"errors"
	"sync"
	"time"
)

// State represents the breaker state
type State int

const (
	// StateClosed lets every request through.
	StateClosed State = iota
	// StateOpen rejects requests until the cooldown has passed.
	StateOpen
	// StateHalfOpen lets a single trial request through.
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned for requests rejected while the breaker is open or
// a half-open trial request is in flight.
var ErrOpen = errors.New("circuit breaker is open")

// Config contains breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failed requests that
	// opens the breaker. Zero disables the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Cooldown is how long the breaker stays open before letting a trial request through.
	Cooldown time.Duration `yaml:"cooldown"`

	// OnStateChange is called with the breaker lock held.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// Counts holds the request tallies since the last state change.
type Counts struct {
	Requests            uint32
	Failures            uint32
	ConsecutiveFailures uint32
}

// Breaker stops calling a failing remote store for a while once requests
// keep failing, so callers get an error at once instead of waiting out
// every retry schedule.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu      sync.Mutex
	state   State
	counts  Counts
	openAt  time.Time
	trial bool
}

// New creates a closed breaker.
func New(name string, config Config) *Breaker {
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, config: config, now: time.Now}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the breaker rejects the request, and records
// its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.config.FailureThreshold == 0 {
		return nil
	}
	switch b.currentState() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.config.FailureThreshold == 0 {
		return
	}
	state := b.currentState()
	b.trial = false
	if err == nil {
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// currentState moves an open breaker to half-open once the cooldown has
// passed.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.now().Before(b.openAt.Add(b.config.Cooldown)) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openAt = b.now()
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentState()
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	b.setState(StateClosed)
	b.counts = Counts{}
}
