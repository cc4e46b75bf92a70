// Syncagent runs one presentation agent against a real MQTT broker: it
// joins a sync group, takes part in master election, and either drives the
// group clock from a simulated player or slaves its player to the elected
// master.
//
// Run a master and any number of followers:
//
//	go run ./cmd/syncagent -broker localhost:1883 -group show-1 -drive
//	go run ./cmd/syncagent -broker localhost:1883 -group show-1
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mediaflow/timeline"
	"github.com/mediaflow/timeline/demo/simulator"
	"github.com/mediaflow/timeline/sharedstate"
)

type agentConfig struct {
	Broker        string  `yaml:"broker"`
	Group         string  `yaml:"group"`
	AgentID       string  `yaml:"agent_id"`
	SyncID        string  `yaml:"sync_id"`
	Drive         bool    `yaml:"drive"`
	MediaDuration float64 `yaml:"media_duration"`
}

func loadConfig() agentConfig {
	cfg := agentConfig{
		Group:         "mediaflow/demo",
		SyncID:        "demo",
		MediaDuration: 600,
	}

	configPath := flag.String("config", "", "YAML config file (optional)")
	broker := flag.String("broker", "", "MQTT broker host:port")
	group := flag.String("group", "", "Sync group topic namespace")
	agentID := flag.String("id", "", "Agent id (default: random)")
	drive := flag.Bool("drive", false, "Drive the group clock from the local player")
	flag.Parse()

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *broker != "" {
		cfg.Broker = *broker
	}
	if *group != "" {
		cfg.Group = *group
	}
	if *agentID != "" {
		cfg.AgentID = *agentID
	}
	if *drive {
		cfg.Drive = true
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-" + uuid.NewString()[:8]
	}
	return cfg
}

func main() {
	cfg := loadConfig()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("agent", cfg.AgentID))

	store, err := sharedstate.NewMQTTStore(sharedstate.MQTTConfig{
		Broker:  cfg.Broker,
		Group:   cfg.Group,
		AgentID: cfg.AgentID,
	}, logger)
	if err != nil {
		logger.Fatal("shared state connect failed", zap.Error(err))
	}
	defer store.Close()

	tl, err := timeline.New(timeline.WithLogger(logger))
	if err != nil {
		logger.Fatal("timeline init failed", zap.Error(err))
	}
	defer tl.Close()

	element := simulator.NewSimElement(cfg.MediaDuration)
	if cfg.Drive {
		srcClk := timeline.NewMediaElementClock(tl.Monotonic(), element, 0)
		defer srcClk.Close()
		opts := timeline.DefaultSourceOptions()
		opts.SourceName = "local-player"
		opts.Element = element
		opts.ZeroUpdateThreshold = 0.2
		if err := tl.SetClockSource(tl.DefaultClock(), srcClk, opts); err != nil {
			logger.Fatal("clock source install failed", zap.Error(err))
		}
		if err := element.Play(); err != nil {
			logger.Fatal("play failed", zap.Error(err))
		}
	} else {
		if err := tl.SynchroniseElementToClock(tl.DefaultClock(), element, 0, true); err != nil {
			logger.Fatal("element sync failed", zap.Error(err))
		}
	}

	ctl, err := timeline.NewInterContextSyncCtl(tl, store, timeline.DefaultElectionConfig(cfg.SyncID))
	if err != nil {
		logger.Fatal("election init failed", zap.Error(err))
	}
	defer ctl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	lastLog := time.Now()

	logger.Info("agent running",
		zap.String("broker", cfg.Broker),
		zap.String("group", cfg.Group),
		zap.Bool("drive", cfg.Drive))

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			element.Tick()
			if time.Since(lastLog) >= 2*time.Second {
				lastLog = time.Now()
				logger.Info("status",
					zap.String("mode", ctl.Mode().String()),
					zap.Float64("clock", tl.DefaultClock().Now()),
					zap.Float64("media", element.CurrentTime()))
			}
		}
	}
}
