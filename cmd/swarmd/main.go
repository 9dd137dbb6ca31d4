// Command swarmd is an example process wiring the core's four
// components together: Event Bus, Distributed Memory, Agent Manager,
// Background Executor, and Swarm Coordinator (spec.md §2, §6).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruvnet/swarmcore/internal/agent"
	"github.com/ruvnet/swarmcore/internal/config"
	"github.com/ruvnet/swarmcore/internal/eventbus"
	"github.com/ruvnet/swarmcore/internal/executor"
	"github.com/ruvnet/swarmcore/internal/memory"
	"github.com/ruvnet/swarmcore/internal/swarm"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional, layers over built-in defaults)")
	nodeID := flag.String("node-id", "node-1", "node identity embedded in agent ids")
	tick := flag.Duration("tick", time.Second, "swarm coordinator scheduling interval")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "apply environment overrides: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("swarmd starting (node=%s, log_level=%s, max_agents=%d)\n", *nodeID, cfg.LogLevel, cfg.Agent.MaxAgents)

	bus := eventbus.New()
	bus.Subscribe("*", func(e eventbus.Event) {
		if cfg.LogLevel == "debug" {
			fmt.Printf("[event] %s\n", e.Topic)
		}
	})

	mem, err := memory.New(cfg.Memory, bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize memory: %v\n", err)
		os.Exit(1)
	}
	defer mem.Close()

	agents := agent.New(cfg.Agent, *nodeID, mem, bus)
	agents.Start()
	defer agents.Stop()

	exec := executor.New(cfg.Executor, mem, bus)
	exec.Start()
	defer exec.Stop()

	coordinator := swarm.New(cfg.Breaker, agents, exec, mem, bus, true)
	coordinator.Start(*tick)
	defer coordinator.Stop()

	fmt.Println("swarmd ready")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	fmt.Println("swarmd shutting down")
}
