package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// MatchMode selects which connection ports a dispatcher route is tested against.
type MatchMode uint8

const (
	// MatchEitherEndpoint matches the source or the destination port, so
	// server-side sockets listening on a trigger port are handled too.
	MatchEitherEndpoint MatchMode = iota
	// MatchSourceOnly matches the client source port only.
	MatchSourceOnly
)

func (m MatchMode) String() string {
	if m == MatchSourceOnly {
		return "source"
	}
	return "either"
}

// ParseMatchMode accepts "source" and "either" (the default for "").
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "either", "either_endpoint", "both":
		return MatchEitherEndpoint, nil
	case "source", "source_only", "src":
		return MatchSourceOnly, nil
	default:
		return 0, fmt.Errorf("scheduler: unknown match mode %q", s)
	}
}

// Route maps a trigger port to a policy, optionally pinned to one interface.
type Route struct {
	Port         uint16
	Policy       string
	PinInterface string
}

// DispatchConfig is read once when a dispatcher is built.
type DispatchConfig struct {
	MatchMode MatchMode
	Routes    []Route
}

// DefaultDispatchConfig sends port 5000 to redundant and 6060 to lrtt.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MatchMode: MatchEitherEndpoint,
		Routes: []Route{
			{Port: 5000, Policy: NameRedundant},
			{Port: 6060, Policy: NameLowestRTT},
		},
	}
}

type dispatchRoute struct {
	Route
	policy Policy
}

// PortDispatcher forwards to the route whose port matches the connection.
// It holds its own instance of every route target, so stateful targets keep
// per-connection state like any other policy.
type PortDispatcher struct {
	name     string
	mode     MatchMode
	routes   []dispatchRoute
	resolver InterfaceResolver
	notifier Notifier
	logger   *slog.Logger
}

func NewPortDispatcher(name string, cfg DispatchConfig, env Env) (*PortDispatcher, error) {
	if env.Build == nil {
		return nil, errors.New("scheduler: dispatcher needs a policy builder")
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &PortDispatcher{
		name:     name,
		mode:     cfg.MatchMode,
		resolver: env.Resolver,
		notifier: env.Notifier,
		logger:   logger,
	}
	for _, r := range cfg.Routes {
		p, err := env.Build(r.Policy)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %s route for port %d: %w", name, r.Port, err)
		}
		if _, nested := p.(*PortDispatcher); nested {
			return nil, fmt.Errorf("scheduler: %s route for port %d targets dispatcher %q", name, r.Port, r.Policy)
		}
		d.routes = append(d.routes, dispatchRoute{Route: r, policy: p})
	}
	return d, nil
}

func (d *PortDispatcher) Name() string {
	return d.name
}

// Resolve returns the route target for a connection's ports, or nil.
func (d *PortDispatcher) Resolve(sourcePort, destPort uint16) Policy {
	if r := d.match(sourcePort, destPort); r != nil {
		return r.policy
	}
	return nil
}

func (d *PortDispatcher) match(sourcePort, destPort uint16) *dispatchRoute {
	for i := range d.routes {
		r := &d.routes[i]
		if sourcePort == r.Port {
			return r
		}
		if d.mode == MatchEitherEndpoint && destPort == r.Port {
			return r
		}
	}
	return nil
}

func (d *PortDispatcher) Select(subflows []SubflowView, intent Intent) (Decision, error) {
	if len(subflows) == 0 {
		return Decision{}, ErrNoViableSubflow
	}

	sp, dp := subflows[0].SourcePort, subflows[0].DestPort
	r := d.match(sp, dp)
	if r == nil {
		return Decision{}, ErrNotApplicable
	}

	d.logger.Debug("sched: dispatching",
		"dispatcher", d.name,
		"policy", r.policy.Name(),
		"sport", sp,
		"dport", dp,
		"intent", intent,
	)

	if r.PinInterface == "" {
		return r.policy.Select(subflows, intent)
	}

	ifindex, ok := d.pinnedIndex(r.PinInterface)
	if !ok {
		d.notify(Notice{Policy: r.policy.Name(), Kind: NoticePinUnavailable, Interface: r.PinInterface})
		return r.policy.Select(subflows, intent)
	}

	pinned := make([]SubflowView, 0, len(subflows))
	usable := false
	for _, sf := range subflows {
		if sf.InterfaceIndex == ifindex {
			pinned = append(pinned, sf)
			usable = usable || sf.Usable()
		}
	}

	// The route policy runs once per call either way, so stateful routes
	// advance their cursor exactly once.
	if usable {
		return r.policy.Select(pinned, intent)
	}

	d.notify(Notice{
		Policy:    r.policy.Name(),
		Kind:      NoticePinFallback,
		Interface: r.PinInterface,
		IfIndex:   ifindex,
	})
	return r.policy.Select(subflows, intent)
}

// pinnedIndex resolves the interface at dispatch time. Only an interface that
// is up with carrier counts.
func (d *PortDispatcher) pinnedIndex(name string) (int, bool) {
	if d.resolver == nil {
		return 0, false
	}
	st, err := d.resolver.ResolveInterface(name)
	if err != nil {
		d.logger.Debug("sched: pinned interface lookup failed", "iface", name, "err", err)
		return 0, false
	}
	if !st.Up || !st.Carrier || st.Index <= 0 {
		return 0, false
	}
	return st.Index, true
}

func (d *PortDispatcher) notify(n Notice) {
	if d.notifier != nil {
		d.notifier.Notify(n)
	}
}
