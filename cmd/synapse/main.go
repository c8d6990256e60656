// Command synapse runs inside each project's sandbox: it multiplexes
// the single upstream engine connection to downstream clients (the
// Gateway) and drives the autonomous turn loop when no human is
// present (the Supervisor).
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
	"github.com/synapsefleet/synapse/internal/gateway"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/supervisor"
)

func main() {
	cfg, err := config.LoadSandbox()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(false)
	clk := clock.Real{}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("Synapse sandbox runtime starting for project " + cfg.Project)

	gwCfg := gateway.Config{Project: cfg.Project, SessionKeyPrefix: cfg.SessionKeyPrefix}
	hub := gateway.New(gwCfg, log)
	gwServer := gateway.NewServer(hub)

	upstream := gateway.NewUpstreamSession(gateway.UpstreamConfig{
		EngineURL:  cfg.EngineURL,
		ClientID:   cfg.EngineClientID,
		Password:   cfg.EnginePassword,
		Token:      cfg.EngineToken,
		ProtoMin:   cfg.ProtoMin,
		ProtoMax:   cfg.ProtoMax,
		SessionKey: gwCfg.SessionKey(),
	}, hub, clk, log)
	go upstream.Run(ctx)

	httpSrv := &http.Server{Addr: cfg.GatewayListenAddr, Handler: gwServer}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()
	go func() {
		log.Info("gateway listening", "addr", cfg.GatewayListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway server error", "error", err)
		}
	}()

	gatewayURL := "ws://127.0.0.1" + cfg.GatewayListenAddr + "/ws"
	sup := supervisor.New(supervisor.Dependencies{
		Gateway:   supervisor.NewWSGatewayClient(gatewayURL, log),
		Workspace: supervisor.NewFSWorkspace(cfg.WorkspaceRoot),
		Tasks:     newFSTaskStore(cfg.WorkspaceRoot),
		Verify:    newShellVerifyRunner(cfg.WorkspaceRoot),
		Clock:     clk,
		Log:       log,
	})

	log.Info("supervisor starting", "project", cfg.Project)
	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("sandbox runtime shutdown complete")
}
