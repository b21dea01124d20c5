// Package sim replays scripted subflow snapshots through a scheduler policy
// on a fake clock, so policy behaviour can be inspected without sockets.
package sim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/hossein/mpsched/internal/config"
	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

// epoch is where every simulated clock starts.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Interface struct {
	Name    string `yaml:"name"`
	Index   int    `yaml:"index"`
	Up      bool   `yaml:"up"`
	Carrier bool   `yaml:"carrier"`
}

// Subflow describes one subflow in a step. Active, capacity and established
// default to true.
type Subflow struct {
	ID          uint32 `yaml:"id"`
	IfIndex     int    `yaml:"ifindex"`
	Active      *bool  `yaml:"active"`
	Capacity    *bool  `yaml:"capacity"`
	Established *bool  `yaml:"established"`
	SRTTMicros  uint32 `yaml:"srtt_us"`
	Priority    uint32 `yaml:"priority"`
	SourcePort  uint16 `yaml:"sport"`
	DestPort    uint16 `yaml:"dport"`
}

// Step is one scheduling opportunity, or several when Repeat > 1. Subflows
// carry over from the previous step when omitted.
type Step struct {
	At       time.Duration `yaml:"at"`
	Intent   string        `yaml:"intent"`
	Repeat   int           `yaml:"repeat"`
	Subflows []Subflow     `yaml:"subflows"`
}

type Scenario struct {
	Name       string      `yaml:"name"`
	Policy     string      `yaml:"policy"`
	Scheduler  yaml.Node   `yaml:"scheduler"`
	Interfaces []Interface `yaml:"interfaces"`
	Steps      []Step      `yaml:"steps"`

	// Config is the scheduler section laid over the defaults by ParseScenario.
	Config config.SchedulerConfig `yaml:"-"`
}

// Result is the outcome of one Decide call.
type Result struct {
	Step     int                   `yaml:"step"`
	At       time.Duration         `yaml:"at"`
	Intent   string                `yaml:"intent"`
	Policy   string                `yaml:"policy,omitempty"`
	Chosen   []scheduler.SubflowID `yaml:"chosen,omitempty"`
	Declined []scheduler.SubflowID `yaml:"declined,omitempty"`
	Notices  []string              `yaml:"notices,omitempty"`
	Err      string                `yaml:"error,omitempty"`
}

func LoadScenario(path string) (Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	return ParseScenario(b)
}

func ParseScenario(b []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Scenario{}, fmt.Errorf("sim: decoding scenario: %w", err)
	}
	if len(s.Steps) == 0 {
		return Scenario{}, errors.New("sim: scenario has no steps")
	}
	s.Config = config.Default()
	if s.Scheduler.Kind != 0 {
		if err := s.Scheduler.Decode(&s.Config); err != nil {
			return Scenario{}, fmt.Errorf("sim: scheduler section: %w", err)
		}
	}
	if err := s.Config.Validate(); err != nil {
		return Scenario{}, fmt.Errorf("sim: scheduler section: %w", err)
	}
	return s, nil
}

func parseIntent(s string) (scheduler.Intent, error) {
	switch s {
	case "", "send":
		return scheduler.IntentSend, nil
	case "retransmit":
		return scheduler.IntentRetransmit, nil
	default:
		return 0, fmt.Errorf("sim: unknown intent %q", s)
	}
}

type resolver map[string]Interface

func (r resolver) ResolveInterface(name string) (scheduler.InterfaceStatus, error) {
	ifc, ok := r[name]
	if !ok {
		return scheduler.InterfaceStatus{}, fmt.Errorf("sim: no interface %q", name)
	}
	return scheduler.InterfaceStatus{Index: ifc.Index, Up: ifc.Up, Carrier: ifc.Carrier}, nil
}

type connection struct {
	id    [16]byte
	mu    sync.Mutex
	views []scheduler.SubflowView
}

func (c *connection) GetConnectionID() [16]byte { return c.id }

func (c *connection) SubflowViews() []scheduler.SubflowView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scheduler.SubflowView(nil), c.views...)
}

func (c *connection) set(subflows []Subflow) {
	views := make([]scheduler.SubflowView, 0, len(subflows))
	for _, s := range subflows {
		views = append(views, scheduler.SubflowView{
			ID:                scheduler.SubflowID(s.ID),
			InterfaceIndex:    s.IfIndex,
			Active:            boolOr(s.Active, true),
			HasSendCapacity:   boolOr(s.Capacity, true),
			Established:       boolOr(s.Established, true),
			SmoothedRTTMicros: s.SRTTMicros,
			LocalPriority:     s.Priority,
			SourcePort:        s.SourcePort,
			DestPort:          s.DestPort,
		})
	}
	c.mu.Lock()
	c.views = views
	c.mu.Unlock()
}

func boolOr(p *bool, d bool) bool {
	if p == nil {
		return d
	}
	return *p
}

// noticeLog collects notices emitted during one Decide call.
type noticeLog struct {
	mu      sync.Mutex
	pending []string
}

func (n *noticeLog) ObserveDecision(string, scheduler.Intent, scheduler.Decision, error) {}

func (n *noticeLog) ObserveNotice(notice scheduler.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, fmt.Sprintf("%s:%s:%s", notice.Policy, notice.Kind, notice.Interface))
}

func (n *noticeLog) drain() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pending
	n.pending = nil
	return out
}

// Run replays s on a fresh engine. Step offsets must not go backwards.
func Run(s Scenario, logger *slog.Logger) ([]Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := s.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res := make(resolver, len(s.Interfaces))
	for _, ifc := range s.Interfaces {
		res[ifc.Name] = ifc
	}

	clk := testingclock.NewFakeClock(epoch)
	notices := &noticeLog{}
	engine := scheduler.NewEngine(append(cfg.EngineOptions(),
		scheduler.WithClock(clk),
		scheduler.WithLogger(logger),
		scheduler.WithResolver(res),
		scheduler.WithObserver(notices),
	)...)

	conn := &connection{id: uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.Name))}
	c, err := engine.Open(conn, s.Policy)
	if err != nil {
		return nil, err
	}
	defer engine.Release(c)

	var (
		out  []Result
		last time.Duration
	)
	for i, step := range s.Steps {
		if step.At < last {
			return out, fmt.Errorf("sim: step %d at %s goes back before %s", i, step.At, last)
		}
		last = step.At
		clk.SetTime(epoch.Add(step.At))

		intent, err := parseIntent(step.Intent)
		if err != nil {
			return out, fmt.Errorf("step %d: %w", i, err)
		}
		if step.Subflows != nil {
			conn.set(step.Subflows)
		}

		for n := max(step.Repeat, 1); n > 0; n-- {
			dec, err := engine.Decide(c, intent)
			r := Result{
				Step:    i,
				At:      step.At,
				Intent:  intent.String(),
				Notices: notices.drain(),
			}
			r.Policy, r.Declined = dec.Policy, dec.Declined
			if err != nil {
				r.Err = err.Error()
			} else {
				r.Chosen = dec.IDs()
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// Print writes one line per result.
func Print(w io.Writer, results []Result) error {
	for _, r := range results {
		line := fmt.Sprintf("step=%d at=%s intent=%s", r.Step, r.At, r.Intent)
		if r.Err != "" {
			line += fmt.Sprintf(" error=%q", r.Err)
		} else {
			line += fmt.Sprintf(" policy=%s chosen=%v", r.Policy, r.Chosen)
		}
		if len(r.Declined) > 0 {
			line += fmt.Sprintf(" declined=%v", r.Declined)
		}
		for _, n := range r.Notices {
			line += " notice=" + n
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
