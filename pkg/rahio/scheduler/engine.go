package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Connection is the engine's per-connection record. It owns the policy
// instance, and with it every piece of mutable policy state.
type Connection struct {
	id     [16]byte
	info   ConnectionInfo
	policy Policy

	busy     atomic.Bool
	released atomic.Bool
}

func (c *Connection) ID() [16]byte {
	return c.id
}

// PolicyName is the name the connection was opened with.
func (c *Connection) PolicyName() string {
	return c.policy.Name()
}

// Policy returns the connection's private policy instance.
func (c *Connection) Policy() Policy {
	return c.policy
}

// ConnectionSnapshot is a point-in-time view used by status reporting.
type ConnectionSnapshot struct {
	ID       [16]byte
	Policy   string
	Subflows []SubflowView
}

// Engine resolves policies and runs one decision per scheduling opportunity.
//
// Decide calls for one connection must be serialized by the caller; calls
// for different connections may run in parallel. An overlapping Decide on
// the same connection is detected and rejected with ErrConcurrentDecide.
type Engine struct {
	clock    clock.PassiveClock
	logger   *slog.Logger
	resolver InterfaceResolver
	notifier Notifier
	observer Observer

	switchInterval     time.Duration
	rttThresholdMicros uint32
	noticeCooldown     time.Duration
	dispatch           DispatchConfig
	defaultPolicy      string

	mu        sync.RWMutex
	factories map[string]Factory
	conns     map[[16]byte]*Connection
}

type Option func(*Engine)

func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithResolver(r InterfaceResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithNotifier replaces the default rate-limited notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithSwitchInterval(d time.Duration) Option {
	return func(e *Engine) { e.switchInterval = d }
}

func WithRTTThreshold(micros uint32) Option {
	return func(e *Engine) { e.rttThresholdMicros = micros }
}

// WithNoticeCooldown sets the window of the default notifier.
func WithNoticeCooldown(d time.Duration) Option {
	return func(e *Engine) { e.noticeCooldown = d }
}

func WithDispatch(cfg DispatchConfig) Option {
	return func(e *Engine) { e.dispatch = cfg }
}

// WithDefaultPolicy sets the policy used by Open when no name is given.
func WithDefaultPolicy(name string) Option {
	return func(e *Engine) { e.defaultPolicy = name }
}

// NewEngine returns an engine with every built-in policy registered.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:              clock.RealClock{},
		logger:             slog.Default(),
		switchInterval:     DefaultSwitchInterval,
		rttThresholdMicros: DefaultRTTThresholdMicros,
		noticeCooldown:     DefaultNoticeCooldown,
		dispatch:           DefaultDispatchConfig(),
		defaultPolicy:      NamePortSched,
		factories:          builtinFactories(),
		conns:              make(map[[16]byte]*Connection),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.notifier == nil {
		n := NewRateLimitedNotifier(e.clock, e.noticeCooldown, e.logger)
		n.SetObserver(e.observer)
		e.notifier = n
	}
	return e
}

// Register adds a policy factory under name.
func (e *Engine) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("scheduler: invalid registration for %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicy, name)
	}
	e.factories[name] = f
	return nil
}

func (e *Engine) Lookup(name string) (Factory, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.factories[name]
	return f, ok
}

// Policies lists registered policy names, sorted.
func (e *Engine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.factories))
	for n := range e.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultPolicy is the name Open uses for an empty policy name.
func (e *Engine) DefaultPolicy() string {
	return e.defaultPolicy
}

// Build constructs a fresh, unshared instance of the named policy.
func (e *Engine) Build(name string) (Policy, error) {
	f, ok := e.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return f(e.env())
}

func (e *Engine) env() Env {
	return Env{
		Clock:              e.clock,
		Logger:             e.logger,
		Resolver:           e.resolver,
		Notifier:           e.notifier,
		SwitchInterval:     e.switchInterval,
		RTTThresholdMicros: e.rttThresholdMicros,
		Dispatch:           e.dispatch,
		Build:              e.Build,
	}
}

// Open creates the per-connection policy state. An empty name selects the
// engine's default policy.
func (e *Engine) Open(info ConnectionInfo, policyName string) (*Connection, error) {
	if policyName == "" {
		policyName = e.defaultPolicy
	}
	p, err := e.Build(policyName)
	if err != nil {
		return nil, err
	}

	c := &Connection{id: info.GetConnectionID(), info: info, policy: p}

	e.mu.Lock()
	e.conns[c.id] = c
	e.mu.Unlock()

	e.logger.Debug("sched: connection opened",
		"connID", fmt.Sprintf("%x", c.id),
		"policy", policyName,
	)
	return c, nil
}

// Release drops the connection's policy state. Later Decide calls on c fail
// with ErrConnectionReleased.
func (e *Engine) Release(c *Connection) {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	if cur, ok := e.conns[c.id]; ok && cur == c {
		delete(e.conns, c.id)
	}
	e.mu.Unlock()

	e.logger.Debug("sched: connection released",
		"connID", fmt.Sprintf("%x", c.id),
		"policy", c.policy.Name(),
	)
}

// Decide runs the connection's policy over a fresh subflow snapshot and
// returns its decision unmodified. On failure the decision carries no
// choices, only the subflows the policy declined.
func (e *Engine) Decide(c *Connection, intent Intent) (Decision, error) {
	if c.released.Load() {
		return Decision{}, ErrConnectionReleased
	}
	if !c.busy.CompareAndSwap(false, true) {
		return Decision{}, ErrConcurrentDecide
	}
	defer c.busy.Store(false)

	views := c.info.SubflowViews()
	dec, err := e.run(c.policy, views, intent)
	e.observer.ObserveDecision(c.policy.Name(), intent, dec, err)

	if err != nil {
		e.logger.Debug("sched: no decision",
			"connID", fmt.Sprintf("%x", c.id),
			"policy", c.policy.Name(),
			"intent", intent,
			"subflows", len(views),
			"err", err,
		)
		return Decision{Policy: dec.Policy, Declined: dec.Declined}, err
	}

	e.logger.Debug("sched: decision",
		"connID", fmt.Sprintf("%x", c.id),
		"policy", dec.Policy,
		"intent", intent,
		"chosen", dec.IDs(),
	)
	return dec, nil
}

// run keeps a misbehaving policy from taking the caller down with it.
func (e *Engine) run(p Policy, views []SubflowView, intent Intent) (dec Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sched: policy panicked", "policy", p.Name(), "panic", r)
			dec, err = Decision{}, fmt.Errorf("%w: policy %s panicked: %v", ErrNoViableSubflow, p.Name(), r)
		}
	}()
	return p.Select(views, intent)
}

// Connections snapshots every open connection, ordered by id.
func (e *Engine) Connections() []ConnectionSnapshot {
	e.mu.RLock()
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.RUnlock()

	out := make([]ConnectionSnapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionSnapshot{
			ID:       c.id,
			Policy:   c.policy.Name(),
			Subflows: c.info.SubflowViews(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].ID[:]) < string(out[j].ID[:])
	})
	return out
}
