package scheduler

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"k8s.io/utils/clock"
)

// Names of the built-in policies. They match the scheduler names peers
// already configure, so a config file written for one host stays valid.
const (
	NameRedundant       = "redundant"
	NameLowestRTT       = "lrtt"
	NameRoundRobin      = "rrpacket"
	NameTimedRoundRobin = "rrtime"
	NameRTTThreshold    = "rtt_thresh"
	NameStrictPriority  = "strictprio"
	NamePortSched       = "portsched"
	NameClientPortSched = "clientportsched"
)

const (
	// DefaultSwitchInterval is how long rrtime stays on one subflow.
	DefaultSwitchInterval = 20 * time.Second
	// DefaultRTTThresholdMicros is the rtt_thresh cut-off (300 ms).
	DefaultRTTThresholdMicros uint32 = 300_000
	// DefaultNoticeCooldown bounds how often a fallback notice is logged.
	DefaultNoticeCooldown = 5 * time.Second
)

var (
	// ErrNoViableSubflow means no candidate passed the policy's eligibility
	// predicate for this call. The caller should let its default path
	// selection handle the opportunity.
	ErrNoViableSubflow = errors.New("scheduler: no viable subflow")
	// ErrNotApplicable is returned by port dispatchers when the connection's
	// ports match none of the configured routes.
	ErrNotApplicable = errors.New("scheduler: connection not handled by this policy")

	ErrUnknownPolicy      = errors.New("scheduler: unknown policy")
	ErrDuplicatePolicy    = errors.New("scheduler: policy already registered")
	ErrConcurrentDecide   = errors.New("scheduler: decide already in flight for connection")
	ErrConnectionReleased = errors.New("scheduler: connection released")
)

// ConnectionInfo exposes only what the scheduler needs, preventing cyclic dependencies.
type ConnectionInfo interface {
	GetConnectionID() [16]byte
	// SubflowViews returns a fresh snapshot of every subflow, in creation order.
	SubflowViews() []SubflowView
}

// Policy maps a subflow snapshot to a scheduling decision. A Policy value is
// owned by exactly one connection, so any state it keeps is per connection.
// Select must not modify the slice it is given.
type Policy interface {
	Name() string
	Select(subflows []SubflowView, intent Intent) (Decision, error)
}

// Env carries the engine-wide collaborators a Factory may need.
type Env struct {
	Clock    clock.PassiveClock
	Logger   *slog.Logger
	Resolver InterfaceResolver
	Notifier Notifier

	SwitchInterval     time.Duration
	RTTThresholdMicros uint32
	Dispatch           DispatchConfig

	// Build constructs a fresh instance of another registered policy.
	// Dispatchers use it to own private copies of their route targets.
	Build func(name string) (Policy, error)
}

// Factory creates the policy instance for a single connection.
type Factory func(env Env) (Policy, error)

func builtinFactories() map[string]Factory {
	return map[string]Factory{
		NameRedundant: func(Env) (Policy, error) { return NewRedundant(), nil },
		NameLowestRTT: func(Env) (Policy, error) { return NewLowestRTT(), nil },
		NameRoundRobin: func(Env) (Policy, error) {
			return NewRoundRobin(), nil
		},
		NameTimedRoundRobin: func(env Env) (Policy, error) {
			return NewTimedRoundRobin(env.Clock, env.SwitchInterval), nil
		},
		NameRTTThreshold: func(env Env) (Policy, error) {
			return NewRTTThreshold(env.RTTThresholdMicros), nil
		},
		NameStrictPriority: func(Env) (Policy, error) { return NewStrictPriority(), nil },
		NamePortSched: func(env Env) (Policy, error) {
			return buildDispatcher(NamePortSched, env.Dispatch, env)
		},
		NameClientPortSched: func(env Env) (Policy, error) {
			cfg := env.Dispatch
			cfg.MatchMode = MatchSourceOnly
			return buildDispatcher(NameClientPortSched, cfg, env)
		},
	}
}

// BuiltinPolicies lists the names every Engine registers at construction.
func BuiltinPolicies() []string {
	names := make([]string, 0, 8)
	for name := range builtinFactories() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsDispatcher reports whether name is one of the built-in port dispatchers.
func IsDispatcher(name string) bool {
	return name == NamePortSched || name == NameClientPortSched
}

func buildDispatcher(name string, cfg DispatchConfig, env Env) (Policy, error) {
	d, err := NewPortDispatcher(name, cfg, env)
	if err != nil {
		return nil, err
	}
	return d, nil
}
