// Package provisioner drives a dedicated compute Worker's lifecycle
// (provision, resize, terminate) against a cloud provider abstraction.
// The control plane never imports a concrete cloud SDK: production
// wiring of CloudProvider is a deployment detail.
package provisioner

import (
	"context"
	"time"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/clock"
	"github.com/synapsefleet/synapse/internal/ids"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/types"
)

const (
	healthTimeout  = 5 * time.Minute
	healthInterval = 10 * time.Second
)

// LaunchSpec describes the instance a CloudProvider should create.
type LaunchSpec struct {
	Project      string
	InstanceType string
	DiskGB       int
	UserData     string
}

// InstanceInfo is what a CloudProvider reports back about one instance.
type InstanceInfo struct {
	InstanceID       string
	Region           string
	AvailabilityZone string
	PrivateIP        string
	PublicIP         string
	Status           string // provider-native status string, informational only
}

// CloudProvider abstracts the cloud API calls WorkerProvisioner needs.
// Every call is expected to be idempotent-ish at the provider's own
// level; WorkerProvisioner does not retry on its own.
type CloudProvider struct {
	Launch          func(ctx context.Context, spec LaunchSpec) (InstanceInfo, error)
	Describe        func(ctx context.Context, instanceID string) (InstanceInfo, error)
	Stop            func(ctx context.Context, instanceID string) error
	Start           func(ctx context.Context, instanceID string) error
	ModifyType      func(ctx context.Context, instanceID, newType string) error
	Terminate       func(ctx context.Context, instanceID string) error
	ReleasePublicIP func(ctx context.Context, instanceID string) error
}

// HealthChecker probes a worker's WorkerAgent /health endpoint once it
// has an IP.
type HealthChecker interface {
	CheckHealthy(ctx context.Context, ip string) bool
}

// WorkerStore is the narrow persistence surface WorkerProvisioner
// needs, implemented by *store.Store.
type WorkerStore interface {
	CreateWorker(w *types.Worker) error
	UpdateWorker(w *types.Worker) error
	GetWorker(instanceID string) (*types.Worker, error)
}

// Provisioner drives worker lifecycle transitions, persisting status
// at every step so ControlAPI reads are always consistent with the
// last completed transition.
type Provisioner struct {
	cloud   CloudProvider
	store   WorkerStore
	health  HealthChecker
	clock   clock.Clock
	log     *logging.Logger
}

// New constructs a Provisioner.
func New(cloud CloudProvider, store WorkerStore, health HealthChecker, c clock.Clock, log *logging.Logger) *Provisioner {
	return &Provisioner{cloud: cloud, store: store, health: health, clock: c, log: log}
}

// diskGBForFamily implements a disk-size-by-family heuristic: GPU
// families get the most headroom, then instances are bucketed by
// their size index (the trailing digits after the dot, e.g.
// "24xlarge" -> 24).
func diskGBForFamily(instanceType string) int {
	if isGPUFamily(instanceType) {
		return 200
	}
	idx := sizeIndex(instanceType)
	switch {
	case idx >= 24:
		return 500
	case idx >= 12:
		return 200
	case idx >= 4:
		return 100
	default:
		return 50
	}
}

func isGPUFamily(instanceType string) bool {
	for _, prefix := range []string{"p3", "p4", "p5", "g4", "g5", "g6"} {
		if len(instanceType) >= len(prefix) && instanceType[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// sizeIndex extracts the leading integer from an instance type's size
// suffix (e.g. "m5.24xlarge" -> 24, "m5.large" -> 1, "t3.micro" -> 1,
// "t3" with no suffix -> 0).
func sizeIndex(instanceType string) int {
	dot := -1
	for i, r := range instanceType {
		if r == '.' {
			dot = i
			break
		}
	}
	if dot < 0 || dot+1 >= len(instanceType) {
		return 0
	}
	suffix := instanceType[dot+1:]
	n := 0
	i := 0
	for i < len(suffix) && suffix[i] >= '0' && suffix[i] <= '9' {
		n = n*10 + int(suffix[i]-'0')
		i++
	}
	if i == 0 {
		return 1 // "large"/"medium"/... with no numeric prefix
	}
	return n
}

// Provision launches a new instance for project, records it as
// provisioning, and background-waits for IP assignment and a healthy
// WorkerAgent before flipping it to ready. Provision returns as soon
// as the worker record is created; the caller observes the rest of the
// lifecycle through the store.
func (p *Provisioner) Provision(ctx context.Context, project, instanceType, userData string) (*types.Worker, error) {
	disk := diskGBForFamily(instanceType)
	spec := LaunchSpec{Project: project, InstanceType: instanceType, DiskGB: disk, UserData: userData}

	info, err := p.cloud.Launch(ctx, spec)
	if err != nil {
		return nil, apperror.Wrap(apperror.TransientUpstream, "launch instance", err)
	}

	w := &types.Worker{
		InstanceID:       info.InstanceID,
		Project:          project,
		InstanceType:     instanceType,
		Region:           info.Region,
		AvailabilityZone: info.AvailabilityZone,
		PrivateIP:        info.PrivateIP,
		PublicIP:         info.PublicIP,
		Status:           types.WorkerProvisioning,
		WorkerToken:      ids.New(),
		CreatedAt:        p.clock.Now(),
	}
	if err := p.store.CreateWorker(w); err != nil {
		return nil, apperror.Wrap(apperror.Integrity, "persist worker record", err)
	}

	go p.awaitReady(context.Background(), w.InstanceID)

	return w, nil
}

// awaitReady polls for an IP and a healthy WorkerAgent, flipping the
// worker to ready or error. Runs detached from the request context
// that triggered Provision, since the wait outlives the HTTP call.
func (p *Provisioner) awaitReady(ctx context.Context, instanceID string) {
	deadline := p.clock.Now().Add(healthTimeout)
	for p.clock.Now().Before(deadline) {
		w, err := p.store.GetWorker(instanceID)
		if err != nil || w == nil {
			return
		}
		ip := w.PrivateIP
		if ip == "" {
			info, err := p.cloud.Describe(ctx, instanceID)
			if err == nil && info.PrivateIP != "" {
				w.PrivateIP = info.PrivateIP
				w.PublicIP = info.PublicIP
				ip = info.PrivateIP
				_ = p.store.UpdateWorker(w)
			}
		}
		if ip != "" && p.health.CheckHealthy(ctx, ip) {
			w.Status = types.WorkerReady
			w.LastHeartbeat = p.clock.Now()
			_ = p.store.UpdateWorker(w)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(healthInterval):
		}
	}

	if w, err := p.store.GetWorker(instanceID); err == nil && w != nil {
		w.Status = types.WorkerError
		_ = p.store.UpdateWorker(w)
		p.log.Warn("worker did not become healthy in time", "instance_id", instanceID)
	}
}

// Resize stops, modifies the instance type, restarts, re-acquires IPs,
// and waits for health again. The workspace volume survives every
// step, since only the compute instance is stopped/modified.
func (p *Provisioner) Resize(ctx context.Context, instanceID, newType string) error {
	w, err := p.store.GetWorker(instanceID)
	if err != nil || w == nil {
		return apperror.New(apperror.NotFound, "worker not found")
	}

	w.Status = types.WorkerStopping
	_ = p.store.UpdateWorker(w)
	if err := p.cloud.Stop(ctx, instanceID); err != nil {
		w.Status = types.WorkerError
		_ = p.store.UpdateWorker(w)
		return apperror.Wrap(apperror.TransientUpstream, "stop instance", err)
	}

	if err := p.cloud.ModifyType(ctx, instanceID, newType); err != nil {
		w.Status = types.WorkerError
		_ = p.store.UpdateWorker(w)
		return apperror.Wrap(apperror.TransientUpstream, "modify instance type", err)
	}

	if err := p.cloud.Start(ctx, instanceID); err != nil {
		w.Status = types.WorkerError
		_ = p.store.UpdateWorker(w)
		return apperror.Wrap(apperror.TransientUpstream, "start instance", err)
	}

	info, err := p.cloud.Describe(ctx, instanceID)
	if err != nil {
		w.Status = types.WorkerError
		_ = p.store.UpdateWorker(w)
		return apperror.Wrap(apperror.TransientUpstream, "describe instance after resize", err)
	}

	w.InstanceType = newType
	w.PrivateIP = info.PrivateIP
	w.PublicIP = info.PublicIP
	w.Status = types.WorkerBootstrapping
	_ = p.store.UpdateWorker(w)

	go p.awaitReady(context.Background(), instanceID)
	return nil
}

// Terminate best-effort tears down the instance: a failed provider
// call still leaves the worker marked terminated, since
// WorkerProvisioner does not retry on its own.
func (p *Provisioner) Terminate(ctx context.Context, instanceID string) error {
	w, err := p.store.GetWorker(instanceID)
	if err != nil || w == nil {
		return apperror.New(apperror.NotFound, "worker not found")
	}

	w.Status = types.WorkerStopping
	_ = p.store.UpdateWorker(w)

	if err := p.cloud.Terminate(ctx, instanceID); err != nil {
		p.log.Warn("terminate instance failed, marking terminated anyway", "instance_id", instanceID, "error", err)
	}
	if p.cloud.ReleasePublicIP != nil {
		if err := p.cloud.ReleasePublicIP(ctx, instanceID); err != nil {
			p.log.Warn("release public ip failed", "instance_id", instanceID, "error", err)
		}
	}

	w.Status = types.WorkerTerminated
	return p.store.UpdateWorker(w)
}
