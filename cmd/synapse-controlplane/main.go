// Command synapse-controlplane runs the ControlAPI: the single
// operator-facing HTTP surface that creates projects, provisions
// dedicated workers, and proxies sandbox operations.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/synapsefleet/synapse/internal/auth"
	"github.com/synapsefleet/synapse/internal/clock"
	"github.com/synapsefleet/synapse/internal/config"
	"github.com/synapsefleet/synapse/internal/containermgr"
	"github.com/synapsefleet/synapse/internal/controlapi"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/provisioner"
	"github.com/synapsefleet/synapse/internal/sandbox"
	"github.com/synapsefleet/synapse/internal/secretbox"
	"github.com/synapsefleet/synapse/internal/store"
	"github.com/synapsefleet/synapse/internal/telemetry"
	"github.com/synapsefleet/synapse/internal/types"
)

var version = "dev"

func main() {
	cfg, err := config.LoadControl()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("Synapse Control Plane " + version)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := bootstrapOperatorToken(db, cfg.BootstrapToken, log); err != nil {
		log.Error("failed to bootstrap operator token", "error", err)
		os.Exit(1)
	}

	box, err := secretbox.New(cfg.MasterSecret)
	if err != nil {
		log.Error("failed to init secretbox", "error", err)
		os.Exit(1)
	}

	var local sandbox.Sandbox
	if dockerSock := os.Getenv("SYNAPSE_DOCKER_SOCK"); dockerSock != "" {
		local, err = sandbox.NewDockerSandbox(dockerSock)
		if err != nil {
			log.Error("failed to connect to docker", "error", err)
			os.Exit(1)
		}
	} else {
		local = sandbox.NewFake()
	}

	clk := clock.Real{}

	// Production cloud wiring (e.g. an AWS SDK adapter) is a
	// deployment detail -- see internal/provisioner's own CloudProvider
	// doc comment. The fake backs this binary until a real adapter is
	// supplied by the operator's deployment.
	cloud, _ := provisioner.NewFakeCloudProvider()
	health := provisioner.NewFakeHealthChecker()
	prov := provisioner.New(cloud, db, health, clk, log)

	mgr := containermgr.New(db, local, containermgr.NewHTTPWorkerClient(), containermgr.NewHTTPGatewayHealth(), box, cfg, log, clk)

	var tel *telemetry.Publisher
	if cfg.MQTTBroker != "" {
		tel = telemetry.New(telemetry.Config{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      cfg.MQTTQoS,
		})
	}

	srv := controlapi.NewServer(controlapi.Dependencies{
		Projects:       db,
		Secrets:        db,
		Containers:     mgr,
		Provision:      prov,
		Tokens:         auth.TokenValidatorFunc(db.ValidateTokenHash),
		SecretBox:      box,
		Clock:          clk,
		Log:            log,
		MetricsEnabled: cfg.MetricsEnabled,
		Telemetry:      tel,
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv}

	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	log.Info("control plane listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("control plane server error", "error", err)
		os.Exit(1)
	}
	log.Info("control plane shutdown complete")
}

// bootstrapOperatorToken inserts the hashed SYNAPSE_BOOTSTRAP_TOKEN
// into the tokens bucket exactly once on first start -- an operator
// needs at least one valid token to reach any authenticated route.
func bootstrapOperatorToken(db *store.Store, plaintext string, log *logging.Logger) error {
	if plaintext == "" {
		return nil
	}
	has, err := db.HasAnyToken()
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	sum := sha256.Sum256([]byte(plaintext))
	hash := hex.EncodeToString(sum[:])
	if err := db.PutToken(&types.Token{Hash: hash, Label: "bootstrap", CreatedAt: time.Now().UTC()}); err != nil {
		return err
	}
	log.Info("inserted bootstrap operator token")
	return nil
}
