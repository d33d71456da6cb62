// Command orchestryd is the Orchestry control-plane daemon: it wires the
// Leader Coordinator, Health Prober, App Manager, Autoscaler, Control Loop,
// and API Surface together and runs until signaled to stop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arjuuuuunnnnn/orchestry/internal/api"
	"github.com/arjuuuuunnnnn/orchestry/internal/appmanager"
	"github.com/arjuuuuunnnnn/orchestry/internal/autoscaler"
	"github.com/arjuuuuunnnnn/orchestry/internal/cluster"
	"github.com/arjuuuuunnnnn/orchestry/internal/config"
	"github.com/arjuuuuunnnnn/orchestry/internal/health"
	"github.com/arjuuuuunnnnn/orchestry/internal/proxy"
	"github.com/arjuuuuunnnnn/orchestry/internal/runtime"
	"github.com/arjuuuuunnnnn/orchestry/internal/store"
	"github.com/arjuuuuunnnnn/orchestry/internal/telemetry"

	"github.com/arjuuuuunnnnn/orchestry/internal/controlloop"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("starting orchestry controller")

	prometheus.MustRegister(telemetry.All()...)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	st, err := store.Open(cfg.PrimaryDSN(), cfg.ReplicaDSN(), cfg.PostgresMinConns, cfg.PostgresMaxConns)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	coord := cluster.New(st, cluster.Config{
		NodeID: cfg.NodeID, Hostname: cfg.Hostname, Port: cfg.Port,
		ControllerLBHost:  cfg.ControllerLBHost,
		ControllerLBPort:  cfg.ControllerLBPort,
		LeaseTTLSeconds:   cfg.LeaseTTLSeconds,
		HeartbeatInterval: cfg.HeartbeatIntervalSeconds,
		ElectionTimeout:   cfg.ElectionTimeoutSeconds,
	})

	rt, err := runtime.NewDockerDriver()
	if err != nil {
		log.Fatalf("creating runtime driver: %v", err)
	}

	px, err := proxy.NewNginxDriver(rt, cfg.NginxContainer, cfg.NginxConfDir, cfg.NginxTemplate)
	if err != nil {
		log.Fatalf("creating proxy driver: %v", err)
	}

	prober := health.New()
	prober.Start()
	defer prober.Stop()

	apps, err := appmanager.New(context.Background(), rt, px, prober, st, cfg.DockerNetwork)
	if err != nil {
		log.Fatalf("creating app manager: %v", err)
	}
	defer apps.Close()

	scaler := autoscaler.New()

	loop := controlloop.New(apps, scaler, px, st, coord, cfg.ControlLoopIntervalSeconds)

	coord.SetOnBecomeLeader(func() {
		log.Println("this node has become the cluster leader")
		loop.OnBecomeLeader()
	})
	coord.SetOnLoseLeadership(func() {
		log.Println("this node has lost cluster leadership")
	})
	coord.SetOnClusterChange(func(nodes map[string]*cluster.Node) {
		log.Printf("cluster membership changed: %d nodes", len(nodes))
	})

	if err := coord.Start(); err != nil {
		log.Fatalf("starting leader coordinator: %v", err)
	}
	defer coord.Stop()

	loop.Start()
	defer loop.Stop()

	server := api.New(cfg, apps, st, px, scaler, prober, coord)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	sig := <-sigChan
	log.Printf("received signal %v, shutting down gracefully", sig)
	log.Println("shutdown complete")
}
