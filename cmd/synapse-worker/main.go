// Command synapse-worker runs on each dedicated compute instance,
// owning that instance's Sandbox and heartbeating to the control
// plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/synapsefleet/synapse/internal/clock"
	"github.com/synapsefleet/synapse/internal/config"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/sandbox"
	"github.com/synapsefleet/synapse/internal/workeragent"
)

var version = "dev"

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(false)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("Synapse Worker Agent " + version)

	dockerSock := os.Getenv("SYNAPSE_DOCKER_SOCK")
	if dockerSock == "" {
		dockerSock = "/var/run/docker.sock"
	}
	sb, err := sandbox.NewDockerSandbox(dockerSock)
	if err != nil {
		log.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}

	agent := workeragent.New(workeragent.Dependencies{
		Sandbox:                   sb,
		Log:                       log,
		Clock:                     clock.Real{},
		WorkerToken:               cfg.WorkerToken,
		ControlPlaneURL:           cfg.ControlPlaneURL,
		Project:                   cfg.Project,
		InstanceID:                os.Getenv("SYNAPSE_INSTANCE_ID"),
		HeartbeatDelay:            cfg.HeartbeatDelay,
		HeartbeatInterval:         cfg.HeartbeatInterval,
		GatewayHealthCheckTimeout: cfg.GatewayHealthCheckTimeout,
	})

	agent.StartHeartbeatLoop(ctx)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: agent}

	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	log.Info("worker agent listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("worker agent server error", "error", err)
		os.Exit(1)
	}
	log.Info("worker agent shutdown complete")
}
