// Package telemetry is an optional MQTT publisher for supervisor
// lifecycle events (project/task/worker state transitions).
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds the MQTT broker settings for the lifecycle publisher.
// An empty Broker disables telemetry entirely.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      int
}

// Publisher publishes LifecycleEvents to an MQTT broker. A nil
// *Publisher is valid and Publish on it is a no-op, so callers don't
// need to branch on whether telemetry is configured.
type Publisher struct {
	broker   string
	topic    string
	clientID string
	username string
	password string
	qos      byte
}

// New returns a Publisher for cfg, or nil if cfg.Broker is empty.
func New(cfg Config) *Publisher {
	if cfg.Broker == "" {
		return nil
	}
	qos := byte(cfg.QoS)
	if qos > 2 {
		qos = 0
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "synapse-controlapi"
	}
	return &Publisher{
		broker:   cfg.Broker,
		topic:    cfg.Topic,
		clientID: clientID,
		username: cfg.Username,
		password: cfg.Password,
		qos:      qos,
	}
}

// EventType tags the kind of lifecycle transition being published.
type EventType string

const (
	EventProjectCreated EventType = "project_created"
	EventProjectError   EventType = "project_error"
	EventTaskStarted    EventType = "task_started"
	EventTaskStopped    EventType = "task_stopped"
	EventTaskCompleted  EventType = "task_completed"
	EventWorkerReady    EventType = "worker_ready"
)

// LifecycleEvent is one observable project/task/worker state change.
type LifecycleEvent struct {
	Type      EventType
	Project   string
	Detail    string
	Timestamp time.Time
}

// Publish connects, publishes one JSON message, and disconnects
// rather than holding a long-lived connection open.
func (p *Publisher) Publish(ctx context.Context, event LifecycleEvent) error {
	if p == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := mqtt.NewClientOptions().
		SetClientID(p.clientID).
		AddBroker(p.broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second)
	if p.username != "" {
		opts.SetUsername(p.username)
		opts.SetPassword(p.password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	payload := wireEvent{
		Type:      string(event.Type),
		Project:   event.Project,
		Detail:    event.Detail,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}

	pub := client.Publish(p.topic, p.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", pub.Error())
	}
	return nil
}

type wireEvent struct {
	Type      string `json:"type"`
	Project   string `json:"project"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}
