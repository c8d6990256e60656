package containermgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/sandbox"
	"github.com/synapsefleet/synapse/internal/types"
)

// workerAgentPort is the fixed port every WorkerAgent listens on,
// matching config.Worker's ListenAddr default of ":7443".
const workerAgentPort = "7443"

// HTTPWorkerClient calls a project's dedicated WorkerAgent over the
// HTTP surface internal/workeragent exposes, bearer-authenticated
// with the worker's own worker_token.
type HTTPWorkerClient struct {
	client *http.Client
}

// NewHTTPWorkerClient returns the production WorkerClient.
func NewHTTPWorkerClient() *HTTPWorkerClient {
	return &HTTPWorkerClient{client: &http.Client{Timeout: 130 * time.Second}}
}

func baseURL(w *types.Worker) string {
	return "http://" + w.PrivateIP + ":" + workerAgentPort
}

func (c *HTTPWorkerClient) do(ctx context.Context, w *types.Worker, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperror.Wrap(apperror.Validation, "marshal worker agent request", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL(w)+path, reqBody)
	if err != nil {
		return apperror.Wrap(apperror.TransientUpstream, "build worker agent request", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.WorkerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperror.Wrap(apperror.TransientUpstream, "worker agent unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return apperror.New(kindForStatus(resp.StatusCode), fmt.Sprintf("worker agent %s: %s", path, errBody.Error))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func kindForStatus(status int) apperror.Kind {
	switch status {
	case http.StatusGatewayTimeout:
		return apperror.Timeout
	case http.StatusConflict:
		return apperror.Conflict
	case http.StatusBadRequest:
		return apperror.Validation
	case http.StatusUnauthorized:
		return apperror.Unauthorized
	case http.StatusNotFound:
		return apperror.NotFound
	default:
		return apperror.TransientUpstream
	}
}

func (c *HTTPWorkerClient) CreateContainer(ctx context.Context, w *types.Worker, env map[string]string, cpus float64, memMB int64) (string, error) {
	var out struct {
		SandboxID string `json:"sandbox_id"`
	}
	body := map[string]any{"env": env, "cpus": cpus, "memory_mb": memMB}
	if err := c.do(ctx, w, http.MethodPost, "/container/create", body, &out); err != nil {
		return "", err
	}
	return out.SandboxID, nil
}

func (c *HTTPWorkerClient) RestartContainer(ctx context.Context, w *types.Worker, env map[string]string, cpus float64, memMB int64) (string, error) {
	var out struct {
		SandboxID string `json:"sandbox_id"`
	}
	body := map[string]any{"env": env, "cpus": cpus, "memory_mb": memMB}
	if err := c.do(ctx, w, http.MethodPost, "/container/restart", body, &out); err != nil {
		return "", err
	}
	return out.SandboxID, nil
}

func (c *HTTPWorkerClient) DestroyContainer(ctx context.Context, w *types.Worker, removeVolume bool) error {
	body := map[string]any{"remove_volume": removeVolume}
	return c.do(ctx, w, http.MethodPost, "/container/destroy", body, nil)
}

func (c *HTTPWorkerClient) Exec(ctx context.Context, w *types.Worker, argv []string, timeout int) (sandbox.ExecResult, error) {
	var out sandbox.ExecResult
	body := map[string]any{"argv": argv, "timeout": timeout}
	if err := c.do(ctx, w, http.MethodPost, "/exec", body, &out); err != nil {
		return sandbox.ExecResult{}, err
	}
	return out, nil
}

func (c *HTTPWorkerClient) PutTask(ctx context.Context, w *types.Worker, doc []byte) error {
	var raw json.RawMessage = doc
	return c.do(ctx, w, http.MethodPost, "/task", raw, nil)
}

func (c *HTTPWorkerClient) GetMemory(ctx context.Context, w *types.Worker) (map[string]string, error) {
	var out map[string]string
	if err := c.do(ctx, w, http.MethodGet, "/memory", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPWorkerClient) GetLogs(ctx context.Context, w *types.Worker, lines int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/logs?lines=%d", baseURL(w), lines), nil)
	if err != nil {
		return "", apperror.Wrap(apperror.TransientUpstream, "build logs request", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.WorkerToken)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperror.Wrap(apperror.TransientUpstream, "worker agent unreachable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperror.Wrap(apperror.TransientUpstream, "read logs response", err)
	}
	if resp.StatusCode >= 300 {
		return "", apperror.New(kindForStatus(resp.StatusCode), "worker agent /logs: "+string(body))
	}
	return string(body), nil
}

func (c *HTTPWorkerClient) SupervisorControl(ctx context.Context, w *types.Worker, action string) error {
	body := map[string]string{"action": action}
	return c.do(ctx, w, http.MethodPost, "/supervisor/control", body, nil)
}

func (c *HTTPWorkerClient) Message(ctx context.Context, w *types.Worker, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, w, http.MethodPost, "/message", body, nil)
}

var _ WorkerClient = (*HTTPWorkerClient)(nil)
