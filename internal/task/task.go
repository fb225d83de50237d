// Package task declares what a worker can run: a named handler plus the retry,
// concurrency, rate-limit and admission policy that apply to every instance of it.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"slotworker/internal/domain"
)

// Context is what a running task body sees. It is a context.Context cancelled when
// the run is cancelled, superseded or times out.
type Context interface {
	context.Context

	RunID() string
	TaskName() string
	// Attempt is zero for the first invocation of this offer.
	Attempt() int
	Metadata() map[string]string

	// ReleaseSlot gives the execution slot back while the body keeps running.
	ReleaseSlot()
	// Sleep is a durable timer; a replayed run does not sleep again.
	Sleep(d time.Duration) (json.RawMessage, error)
	// WaitForEvent blocks until an event is published on key; a replayed run gets the
	// recorded payload back.
	WaitForEvent(key string) (json.RawMessage, error)
}

// Handler is a task body. The returned value is JSON-encoded as the run's result.
type Handler func(tc Context, input json.RawMessage) (any, error)

// Validator rejects input before the run is admitted anywhere.
type Validator func(input json.RawMessage) error

// Concurrency caps concurrent runs sharing a key. Key is used verbatim; otherwise
// Expression is a CEL expression evaluated against the instance.
type Concurrency struct {
	Key        string
	Expression string
	MaxRuns    int
	Strategy   domain.ConcurrencyStrategy
	// SubKeyExpression picks the round-robin bucket under group_round_robin.
	SubKeyExpression string
}

// RateLimit consumes Units from a fixed-window bucket. Key is static; KeyExpression
// derives the bucket from the instance.
type RateLimit struct {
	Key           string
	KeyExpression string
	Units         int
	Limit         int
	Window        time.Duration
}

type Descriptor struct {
	Name        string
	Handler     Handler
	Retry       domain.RetryPolicy
	Concurrency *Concurrency
	RateLimits  []RateLimit
	Validators  []Validator
	Timeout     time.Duration
	Priority    int
}

type Option func(*Descriptor)

func New(name string, h Handler, opts ...Option) *Descriptor {
	d := &Descriptor{
		Name:    name,
		Handler: h,
		Retry:   domain.RetryPolicy{BackoffFactor: 2},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithRetries allows n local retries after the first attempt.
func WithRetries(n int) Option {
	return func(d *Descriptor) { d.Retry.MaxRetries = n }
}

func WithBackoff(factor float64, max time.Duration) Option {
	return func(d *Descriptor) {
		d.Retry.BackoffFactor = factor
		d.Retry.BackoffMax = max
	}
}

// WithNonRetryable lists error kinds that fail the run without retrying.
func WithNonRetryable(kinds ...string) Option {
	return func(d *Descriptor) { d.Retry.NonRetryableKinds = append(d.Retry.NonRetryableKinds, kinds...) }
}

func WithConcurrency(c Concurrency) Option {
	return func(d *Descriptor) { d.Concurrency = &c }
}

func WithRateLimit(rl RateLimit) Option {
	return func(d *Descriptor) { d.RateLimits = append(d.RateLimits, rl) }
}

func WithValidator(v Validator) Option {
	return func(d *Descriptor) { d.Validators = append(d.Validators, v) }
}

// WithTimeout bounds one offer of the task, retries included.
func WithTimeout(t time.Duration) Option {
	return func(d *Descriptor) { d.Timeout = t }
}

func WithPriority(p int) Option {
	return func(d *Descriptor) { d.Priority = p }
}

// Check reports declaration mistakes that do not need an expression engine.
func (d *Descriptor) Check() error {
	switch {
	case d.Name == "":
		return errors.New("task name is empty")
	case d.Handler == nil:
		return fmt.Errorf("task %s: handler is nil", d.Name)
	case d.Retry.MaxRetries < 0:
		return fmt.Errorf("task %s: negative retries", d.Name)
	}
	if c := d.Concurrency; c != nil {
		if c.Key == "" && c.Expression == "" {
			return fmt.Errorf("task %s: concurrency needs a key or an expression", d.Name)
		}
		if _, err := domain.ParseConcurrencyStrategy(string(c.Strategy)); err != nil {
			return fmt.Errorf("task %s: %w", d.Name, err)
		}
	}
	for _, rl := range d.RateLimits {
		if rl.Key == "" && rl.KeyExpression == "" {
			return fmt.Errorf("task %s: rate limit needs a key or an expression", d.Name)
		}
		if rl.Units <= 0 || rl.Limit <= 0 || rl.Window <= 0 {
			return fmt.Errorf("task %s: rate limit %s%s: units, limit and window must be positive", d.Name, rl.Key, rl.KeyExpression)
		}
		if rl.Units > rl.Limit {
			return fmt.Errorf("task %s: %w", d.Name, domain.ErrUnitsExceedLimit)
		}
	}
	return nil
}

// Validate runs every validator; the first failure is returned.
func (d *Descriptor) Validate(input json.RawMessage) error {
	for _, v := range d.Validators {
		if err := v(input); err != nil {
			return err
		}
	}
	return nil
}

// Registry maps task names to their descriptors.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Descriptor)}
}

func (r *Registry) Register(ds ...*Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if err := d.Check(); err != nil {
			return err
		}
		if _, dup := r.tasks[d.Name]; dup {
			return fmt.Errorf("task %s registered twice", d.Name)
		}
		r.tasks[d.Name] = d
	}
	return nil
}

func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tasks[name]
	return d, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
