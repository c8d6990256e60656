package sandbox

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/synapsefleet/synapse/internal/apperror"
)

// workspaceVolumeName derives the named Docker volume a project's
// /workspace persists in across Destroy+Create (restart) cycles.
func workspaceVolumeName(project string) string {
	return "synapse-workspace-" + project
}

// DockerSandbox implements Sandbox over the Docker/moby engine API,
// one container per worker's workspace.
type DockerSandbox struct {
	api *client.Client
}

// NewDockerSandbox connects to the Docker daemon at dockerSock, which
// may be a unix socket path or a tcp:// address.
func NewDockerSandbox(dockerSock string) (*DockerSandbox, error) {
	var opts []client.Opt
	switch {
	case strings.HasPrefix(dockerSock, "tcp://"), strings.HasPrefix(dockerSock, "tcps://"):
		opts = append(opts, client.WithHost(dockerSock))
	default:
		opts = append(opts,
			client.WithHost("unix://"+dockerSock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", dockerSock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, apperror.Wrap(apperror.FatalInit, "connect to docker daemon", err)
	}
	return &DockerSandbox{api: api}, nil
}

func (d *DockerSandbox) Close() error {
	return d.api.Close()
}

// Create starts a container with the requested resource ceiling and
// environment, and returns its ID. The container joins Docker's default
// bridge network and is not published to the host.
func (d *DockerSandbox) Create(ctx context.Context, opts CreateOpts) (string, error) {
	var env []string
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image: opts.Image,
		Env:   env,
		Tty:   false,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(opts.CPULimit * 1e9),
			Memory:   opts.MemLimitMB * 1024 * 1024,
		},
	}
	if opts.Project != "" {
		volName := workspaceVolumeName(opts.Project)
		if _, err := d.api.VolumeCreate(ctx, client.VolumeCreateOptions{Name: volName}); err != nil {
			return "", apperror.Wrap(apperror.TransientUpstream, "create workspace volume", err)
		}
		hostCfg.Mounts = []mount.Mount{{Type: mount.TypeVolume, Source: volName, Target: "/workspace"}}
	}

	resp, err := d.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
	})
	if err != nil {
		return "", apperror.Wrap(apperror.TransientUpstream, "create sandbox container", err)
	}

	if _, err := d.api.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return "", apperror.Wrap(apperror.TransientUpstream, "start sandbox container", err)
	}
	return resp.ID, nil
}

// Destroy stops and force-removes the container. A missing container
// is treated as already destroyed. RemoveVolumes on ContainerRemove
// only drops anonymous volumes, so a named project workspace volume
// needs its own explicit removal when removeVolume is set.
func (d *DockerSandbox) Destroy(ctx context.Context, id, project string, removeVolume bool) error {
	timeout := 10
	_, err := d.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	if err != nil && !isNotFound(err) {
		return apperror.Wrap(apperror.TransientUpstream, "stop sandbox container", err)
	}

	_, err = d.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: removeVolume,
	})
	if err != nil && !isNotFound(err) {
		return apperror.Wrap(apperror.TransientUpstream, "remove sandbox container", err)
	}

	if removeVolume && project != "" {
		if err := d.api.VolumeRemove(ctx, workspaceVolumeName(project), client.VolumeRemoveOptions{Force: true}); err != nil && !isNotFound(err) {
			return apperror.Wrap(apperror.TransientUpstream, "remove workspace volume", err)
		}
	}
	return nil
}

// Exec runs argv inside the container and returns its exit code with
// stdout and stderr captured separately.
func (d *DockerSandbox) Exec(ctx context.Context, id string, argv []string, timeout int) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	execResp, err := d.api.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, apperror.Wrap(apperror.TransientUpstream, "exec create", err)
	}

	attachResp, err := d.api.ExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, apperror.Wrap(apperror.TransientUpstream, "exec attach", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return ExecResult{}, apperror.Wrap(apperror.TransientUpstream, "exec read", err)
	}

	inspectResp, err := d.api.ExecInspect(ctx, execResp.ID, client.ExecInspectOptions{})
	if err != nil {
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()},
			apperror.Wrap(apperror.TransientUpstream, "exec inspect", err)
	}

	return ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// IP returns the container's address on Docker's default bridge
// network.
func (d *DockerSandbox) IP(ctx context.Context, id string) (string, error) {
	resp, err := d.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return "", apperror.Wrap(apperror.NotFound, "inspect sandbox container", err)
	}
	if resp.Container.NetworkSettings == nil {
		return "", apperror.New(apperror.TransientUpstream, "sandbox container has no network settings yet")
	}
	for _, net := range resp.Container.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", apperror.New(apperror.TransientUpstream, "sandbox container has no assigned IP yet")
}

// Health reports whether the container is still running.
func (d *DockerSandbox) Health(ctx context.Context, id string) (HealthStatus, error) {
	resp, err := d.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return HealthStatus{}, apperror.Wrap(apperror.NotFound, "inspect sandbox container", err)
	}
	if resp.Container.State == nil || !resp.Container.State.Running {
		return HealthStatus{Alive: false, Message: "container not running"}, nil
	}
	return HealthStatus{Alive: true, Message: "running"}, nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}

var _ Sandbox = (*DockerSandbox)(nil)
