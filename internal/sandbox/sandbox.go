// Package sandbox adapts a container runtime to the narrow
// create/destroy/exec/ip/health verb set needed for the workspace a
// single worker agent owns. Swarm, registry, and image-digest
// concerns have no analogue here and are dropped.
package sandbox

import "context"

// CreateOpts configures a new sandbox's resource ceiling and starting
// environment.
type CreateOpts struct {
	Image      string
	Env        map[string]string
	CPULimit   float64
	MemLimitMB int64

	// Project keys the workspace volume Create attaches at /workspace.
	// Two Create calls with the same Project share the same workspace
	// across a destroy/recreate cycle; an empty Project gets an
	// ephemeral, container-local workspace instead.
	Project string
}

// ExecResult is the outcome of running a command inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// HealthStatus reports sandbox liveness.
type HealthStatus struct {
	Alive   bool
	Message string
}

// Sandbox is the per-worker container the supervisor runtime executes
// inside. Implemented by DockerSandbox for production and by a fake in
// tests.
type Sandbox interface {
	// Create starts a new container and returns its runtime ID.
	// Idempotent only in the sense that calling it twice produces two
	// containers -- de-duplication is left to the caller.
	Create(ctx context.Context, opts CreateOpts) (id string, err error)

	// Destroy stops and removes the container. project must match the
	// Project the container was Created with; removeVolume also drops
	// the project's workspace volume rather than preserving it for the
	// next Create. Idempotent, returning nil if the container is
	// already gone.
	Destroy(ctx context.Context, id, project string, removeVolume bool) error

	// Exec runs argv inside the container and waits up to timeout for
	// completion.
	Exec(ctx context.Context, id string, argv []string, timeout int) (ExecResult, error)

	// IP returns the container's internal network address, used by
	// the worker agent to reach the in-container gateway.
	IP(ctx context.Context, id string) (string, error)

	// Health reports whether the container is still running; it does
	// not probe any service inside it.
	Health(ctx context.Context, id string) (HealthStatus, error)

	Close() error
}
