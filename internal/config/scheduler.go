package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

// RouteConfig maps one TCP port to a policy, optionally pinned to an interface.
type RouteConfig struct {
	Port         uint16 `yaml:"port"`
	Policy       string `yaml:"policy"`
	PinInterface string `yaml:"pin_interface,omitempty"`
}

// DispatcherConfig configures the portsched and clientportsched policies.
type DispatcherConfig struct {
	MatchMode        string        `yaml:"match_mode"`
	FallbackCooldown time.Duration `yaml:"fallback_cooldown"`
	Routes           []RouteConfig `yaml:"routes"`
}

// SchedulerConfig is the YAML scheduling section shared by server, client
// and schedsim.
type SchedulerConfig struct {
	Policy         string           `yaml:"policy"`
	SwitchInterval time.Duration    `yaml:"switch_interval"`
	RTTThreshold   time.Duration    `yaml:"rtt_threshold"`
	Dispatcher     DispatcherConfig `yaml:"dispatcher"`
}

// Default returns the configuration used when no file is given.
func Default() SchedulerConfig {
	d := scheduler.DefaultDispatchConfig()
	routes := make([]RouteConfig, 0, len(d.Routes))
	for _, r := range d.Routes {
		routes = append(routes, RouteConfig{Port: r.Port, Policy: r.Policy, PinInterface: r.PinInterface})
	}
	return SchedulerConfig{
		Policy:         scheduler.NamePortSched,
		SwitchInterval: scheduler.DefaultSwitchInterval,
		RTTThreshold:   time.Duration(scheduler.DefaultRTTThresholdMicros) * time.Microsecond,
		Dispatcher: DispatcherConfig{
			MatchMode:        d.MatchMode.String(),
			FallbackCooldown: scheduler.DefaultNoticeCooldown,
			Routes:           routes,
		},
	}
}

// Load reads and validates a YAML file. Fields the file leaves out keep
// their defaults.
func Load(path string) (SchedulerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return SchedulerConfig{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(b []byte) (SchedulerConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return SchedulerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return SchedulerConfig{}, err
	}
	return cfg, nil
}

// Validate checks names, ranges and route uniqueness.
func (c SchedulerConfig) Validate() error {
	known := scheduler.BuiltinPolicies()
	var errs []error

	if c.Policy != "" && !slices.Contains(known, c.Policy) {
		errs = append(errs, fmt.Errorf("policy: %w: %q", scheduler.ErrUnknownPolicy, c.Policy))
	}
	if c.SwitchInterval <= 0 {
		errs = append(errs, fmt.Errorf("switch_interval must be positive, got %s", c.SwitchInterval))
	}
	if c.RTTThreshold.Microseconds() < 1 || c.RTTThreshold.Microseconds() > math.MaxUint32 {
		errs = append(errs, fmt.Errorf("rtt_threshold out of range: %s", c.RTTThreshold))
	}
	if _, err := scheduler.ParseMatchMode(c.Dispatcher.MatchMode); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher.match_mode: %w", err))
	}
	if c.Dispatcher.FallbackCooldown < 0 {
		errs = append(errs, fmt.Errorf("dispatcher.fallback_cooldown must not be negative"))
	}

	seen := make(map[uint16]bool, len(c.Dispatcher.Routes))
	for i, r := range c.Dispatcher.Routes {
		switch {
		case r.Port == 0:
			errs = append(errs, fmt.Errorf("dispatcher.routes[%d]: port is required", i))
		case seen[r.Port]:
			errs = append(errs, fmt.Errorf("dispatcher.routes[%d]: port %d listed twice", i, r.Port))
		}
		seen[r.Port] = true
		if !slices.Contains(known, r.Policy) {
			errs = append(errs, fmt.Errorf("dispatcher.routes[%d]: %w: %q", i, scheduler.ErrUnknownPolicy, r.Policy))
		} else if scheduler.IsDispatcher(r.Policy) {
			errs = append(errs, fmt.Errorf("dispatcher.routes[%d]: route cannot target dispatcher %q", i, r.Policy))
		}
	}
	return errors.Join(errs...)
}

// Dispatch converts the dispatcher section for the scheduler package.
func (c SchedulerConfig) Dispatch() scheduler.DispatchConfig {
	mode, _ := scheduler.ParseMatchMode(c.Dispatcher.MatchMode)
	out := scheduler.DispatchConfig{MatchMode: mode}
	for _, r := range c.Dispatcher.Routes {
		out.Routes = append(out.Routes, scheduler.Route{Port: r.Port, Policy: r.Policy, PinInterface: r.PinInterface})
	}
	return out
}

// EngineOptions turns the configuration into engine options. Collaborators
// such as the clock, resolver and observer are added by the caller.
func (c SchedulerConfig) EngineOptions() []scheduler.Option {
	opts := []scheduler.Option{
		scheduler.WithSwitchInterval(c.SwitchInterval),
		scheduler.WithRTTThreshold(uint32(c.RTTThreshold.Microseconds())),
		scheduler.WithDispatch(c.Dispatch()),
	}
	if c.Dispatcher.FallbackCooldown > 0 {
		opts = append(opts, scheduler.WithNoticeCooldown(c.Dispatcher.FallbackCooldown))
	}
	if c.Policy != "" {
		opts = append(opts, scheduler.WithDefaultPolicy(c.Policy))
	}
	return opts
}
