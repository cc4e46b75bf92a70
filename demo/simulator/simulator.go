// Package simulator runs a multi-agent media presentation in one process:
// an in-process shared-state hub, one timeline per agent, a simulated
// player per agent, inter-context master election, and a scene schedule
// driven by component runners.
package simulator

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mediaflow/timeline"
	"github.com/mediaflow/timeline/sharedstate"
)

// SceneConfig is one schedule entry: a named window on the default clock.
type SceneConfig struct {
	Name  string  `yaml:"name"`
	Start float64 `yaml:"start"`
	Stop  float64 `yaml:"stop"`
}

// Config parameterizes a simulation run.
type Config struct {
	// Agents is the number of simulated devices. The first agent drives
	// the presentation clock from its player; the rest follow.
	Agents int `yaml:"agents"`

	// MediaDuration is the simulated media length in seconds.
	MediaDuration float64 `yaml:"media_duration"`

	// RunFor bounds the simulation wall time.
	RunFor time.Duration `yaml:"run_for"`

	// SyncID names the inter-context sync session.
	SyncID string `yaml:"sync_id"`

	// Scenes is the component schedule shared by every agent.
	Scenes []SceneConfig `yaml:"scenes"`
}

// DefaultConfig returns a three-agent run with a small scene schedule.
func DefaultConfig() Config {
	return Config{
		Agents:        3,
		MediaDuration: 600,
		RunFor:        15 * time.Second,
		SyncID:        "demo",
		Scenes: []SceneConfig{
			{Name: "intro", Start: 0, Stop: 5},
			{Name: "main", Start: 5, Stop: 590},
			{Name: "credits", Start: 590, Stop: 600},
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Agents < 1 {
		return fmt.Errorf("agents must be at least 1")
	}
	if c.MediaDuration <= 0 {
		return fmt.Errorf("media_duration must be positive")
	}
	if c.SyncID == "" {
		return fmt.Errorf("sync_id cannot be empty")
	}
	return nil
}

// Agent is one simulated device: its own timeline, player, election
// controller, and scene runners, sharing only the state store with the
// other agents.
type Agent struct {
	ID       string
	Timeline *timeline.Timeline
	Element  *SimElement

	store   sharedstate.Store
	ctl     *timeline.InterContextSyncCtl
	runners []*timeline.ComponentRunner
	srcClk  *timeline.MediaElementClock
}

func newAgent(cfg Config, hub *sharedstate.Hub, logger *zap.Logger, driver bool) (*Agent, error) {
	id := "agent-" + uuid.NewString()[:8]
	log := logger.With(zap.String("agent", id))

	tl, err := timeline.New(timeline.WithLogger(log))
	if err != nil {
		return nil, err
	}

	a := &Agent{
		ID:       id,
		Timeline: tl,
		Element:  NewSimElement(cfg.MediaDuration),
		store:    hub.Connect(id),
	}

	if driver {
		// The driving agent's player is the candidate source for its
		// default clock; election then exports that clock to the others.
		a.srcClk = timeline.NewMediaElementClock(tl.Monotonic(), a.Element, 0)
		opts := timeline.DefaultSourceOptions()
		opts.SourceName = "local-player"
		opts.Element = a.Element
		opts.ZeroUpdateThreshold = 0.2
		if err := tl.SetClockSource(tl.DefaultClock(), a.srcClk, opts); err != nil {
			return nil, err
		}
		if err := a.Element.Play(); err != nil {
			return nil, err
		}
	} else {
		if err := tl.SynchroniseElementToClock(tl.DefaultClock(), a.Element, 0, true); err != nil {
			return nil, err
		}
	}

	a.ctl, err = timeline.NewInterContextSyncCtl(tl, a.store, timeline.DefaultElectionConfig(cfg.SyncID))
	if err != nil {
		return nil, err
	}

	for _, scene := range cfg.Scenes {
		scene := scene
		rcfg := timeline.DefaultRunnerConfig(scene.Name)
		rcfg.SelfDestructOnStop = false
		rcfg.Destroyable = false
		r := timeline.NewComponentRunner(tl.Scheduler(), log, tl.DefaultClock(), rcfg, timeline.RunnerHooks{
			OnVisibility: func(v bool) {
				log.Info("scene visibility", zap.String("scene", scene.Name), zap.Bool("visible", v))
			},
		})
		r.SetTimes(timeline.TimeAt(scene.Start), timeline.TimeAt(scene.Stop))
		a.runners = append(a.runners, r)
	}

	return a, nil
}

func (a *Agent) close() {
	for _, r := range a.runners {
		r.Close()
	}
	a.ctl.Close()
	if a.srcClk != nil {
		a.srcClk.Close()
	}
	_ = a.store.Close()
	a.Timeline.Close()
}

// Run executes the simulation until the configured wall-time bound.
func Run(cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	hub := sharedstate.NewHub()
	agents := make([]*Agent, 0, cfg.Agents)
	defer func() {
		for _, a := range agents {
			a.close()
		}
	}()

	for i := 0; i < cfg.Agents; i++ {
		a, err := newAgent(cfg, hub, logger, i == 0)
		if err != nil {
			return fmt.Errorf("agent %d: %w", i, err)
		}
		agents = append(agents, a)
		logger.Info("agent joined",
			zap.String("agent", a.ID),
			zap.String("mode", a.ctl.Mode().String()))
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(cfg.RunFor)
	lastLog := time.Now()

	for {
		select {
		case <-deadline:
			logger.Info("simulation finished")
			return nil
		case <-ticker.C:
			for _, a := range agents {
				a.Element.Tick()
			}
			if time.Since(lastLog) >= time.Second {
				lastLog = time.Now()
				for _, a := range agents {
					logger.Info("agent status",
						zap.String("agent", a.ID),
						zap.String("mode", a.ctl.Mode().String()),
						zap.Float64("clock", a.Timeline.DefaultClock().Now()),
						zap.Float64("media", a.Element.CurrentTime()),
						zap.Int64("seeks", a.Element.Seeks.Load()))
				}
			}
		}
	}
}
