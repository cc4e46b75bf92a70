// Demo runs a simulated multi-device presentation in one process: one agent
// plays media and drives the presentation clock, the others elect it as
// master over an in-process shared-state hub and slave their players to it.
//
// Run with:
//
//	go run ./demo
//
// An optional YAML config selects agent count, media duration, and the
// scene schedule; see simulator.DefaultConfig for the field defaults.
package main

import (
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/mediaflow/timeline/demo/simulator"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	agents := flag.Int("agents", 0, "Override the number of agents")
	flag.Parse()

	cfg := simulator.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = simulator.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *agents > 0 {
		cfg.Agents = *agents
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := simulator.Run(cfg, logger); err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
}
