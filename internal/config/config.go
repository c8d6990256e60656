// Package config loads Synapse configuration from environment
// variables for both the control plane and the worker agent binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Control holds control-plane configuration.
type Control struct {
	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// HTTP
	ListenAddr string

	// SecretBox
	MasterSecret string

	// Bootstrap operator token, hashed and inserted into the tokens
	// table once on first start if no tokens exist yet.
	BootstrapToken string

	// SessionKeyPrefix is folded into the Gateway's fixed upstream
	// session key ("main:webchat:<prefix>-<project>"). Configuration,
	// not a hard-coded literal, since deployments vary on it.
	SessionKeyPrefix string

	// Telemetry (optional). Empty MQTTBroker disables lifecycle
	// publishing entirely.
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int

	// MetricsEnabled mounts GET /metrics.
	MetricsEnabled bool

	// mu protects the mutable runtime defaults below, read by request
	// handlers and written through SetDefaultMaxIdleTurns.
	mu                   sync.RWMutex
	defaultMaxIdleTurns  int
	defaultInstanceCPUs  int
	defaultInstanceMemMB int
}

// LoadControl reads Control config from the environment.
func LoadControl() (*Control, error) {
	c := &Control{
		DBPath:           getenv("SYNAPSE_DB_PATH", "/var/lib/synapse/synapse.db"),
		LogJSON:          getenvBool("SYNAPSE_LOG_JSON", false),
		ListenAddr:       getenv("SYNAPSE_LISTEN_ADDR", ":8443"),
		MasterSecret:     os.Getenv("SYNAPSE_MASTER_SECRET"),
		BootstrapToken:   os.Getenv("SYNAPSE_BOOTSTRAP_TOKEN"),
		SessionKeyPrefix: getenv("SYNAPSE_SESSION_PREFIX", "synapse"),
		MQTTBroker:       os.Getenv("SYNAPSE_MQTT_BROKER"),
		MQTTTopic:        getenv("SYNAPSE_MQTT_TOPIC", "synapse/lifecycle"),
		MQTTClientID:     os.Getenv("SYNAPSE_MQTT_CLIENT_ID"),
		MQTTUsername:     os.Getenv("SYNAPSE_MQTT_USERNAME"),
		MQTTPassword:     os.Getenv("SYNAPSE_MQTT_PASSWORD"),
		MQTTQoS:          getenvInt("SYNAPSE_MQTT_QOS", 0),
		MetricsEnabled:   getenvBool("SYNAPSE_METRICS_ENABLED", true),
	}
	c.defaultMaxIdleTurns = getenvInt("SYNAPSE_DEFAULT_MAX_IDLE_TURNS", 20)
	c.defaultInstanceCPUs = getenvInt("SYNAPSE_DEFAULT_CPUS", 2)
	c.defaultInstanceMemMB = getenvInt("SYNAPSE_DEFAULT_MEMORY_MB", 4096)

	if c.MasterSecret == "" {
		return nil, fmt.Errorf("SYNAPSE_MASTER_SECRET is required")
	}
	return c, nil
}

func (c *Control) DefaultMaxIdleTurns() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultMaxIdleTurns
}

func (c *Control) SetDefaultMaxIdleTurns(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultMaxIdleTurns = n
}

func (c *Control) DefaultInstanceCPUs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultInstanceCPUs
}

func (c *Control) DefaultInstanceMemoryMB() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultInstanceMemMB
}

// Worker holds worker-agent configuration.
type Worker struct {
	ListenAddr                string
	WorkerToken               string
	ControlPlaneURL           string
	Project                   string
	HeartbeatInterval         time.Duration
	HeartbeatDelay            time.Duration
	GatewayHealthCheckTimeout time.Duration
}

// LoadWorker reads Worker config from the environment.
func LoadWorker() (*Worker, error) {
	w := &Worker{
		ListenAddr:                getenv("SYNAPSE_WORKER_LISTEN_ADDR", ":7443"),
		WorkerToken:               os.Getenv("SYNAPSE_WORKER_TOKEN"),
		ControlPlaneURL:           os.Getenv("SYNAPSE_CONTROL_PLANE_URL"),
		Project:                   os.Getenv("SYNAPSE_PROJECT"),
		HeartbeatInterval:         getenvDuration("SYNAPSE_HEARTBEAT_INTERVAL", 60*time.Second),
		HeartbeatDelay:            getenvDuration("SYNAPSE_HEARTBEAT_DELAY", 10*time.Second),
		GatewayHealthCheckTimeout: getenvDuration("SYNAPSE_GATEWAY_HEALTH_TIMEOUT", 120*time.Second),
	}
	if w.WorkerToken == "" {
		return nil, fmt.Errorf("SYNAPSE_WORKER_TOKEN is required")
	}
	return w, nil
}

// Sandbox holds the in-sandbox process's own configuration: the
// Gateway's upstream engine connection and the Supervisor's identity,
// read by cmd/synapse, the binary baked into every sandbox image.
type Sandbox struct {
	Project          string
	SessionKeyPrefix string

	GatewayListenAddr string
	WorkspaceRoot     string

	EngineURL      string
	EngineClientID string
	EnginePassword string
	EngineToken    string
	ProtoMin       int
	ProtoMax       int
}

// LoadSandbox reads Sandbox config from the environment.
func LoadSandbox() (*Sandbox, error) {
	s := &Sandbox{
		Project:           os.Getenv("SYNAPSE_PROJECT"),
		SessionKeyPrefix:  getenv("SYNAPSE_SESSION_PREFIX", "synapse"),
		GatewayListenAddr: getenv("SYNAPSE_GATEWAY_LISTEN_ADDR", ":8900"),
		WorkspaceRoot:     getenv("SYNAPSE_WORKSPACE_ROOT", "/workspace"),
		EngineURL:         os.Getenv("SYNAPSE_ENGINE_URL"),
		EngineClientID:    os.Getenv("SYNAPSE_ENGINE_CLIENT_ID"),
		EnginePassword:    os.Getenv("SYNAPSE_ENGINE_PASSWORD"),
		EngineToken:       os.Getenv("SYNAPSE_ENGINE_TOKEN"),
		ProtoMin:          getenvInt("SYNAPSE_ENGINE_PROTO_MIN", 1),
		ProtoMax:          getenvInt("SYNAPSE_ENGINE_PROTO_MAX", 1),
	}
	if s.Project == "" {
		return nil, fmt.Errorf("SYNAPSE_PROJECT is required")
	}
	if s.EngineURL == "" {
		return nil, fmt.Errorf("SYNAPSE_ENGINE_URL is required")
	}
	return s, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
