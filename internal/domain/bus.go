package domain

import (
	"context"
)

// EventBus carries snapshots and analysis results between the API and the worker.
// Supports Go channels (Community) or NATS (Pro).
// Publish and Subscribe are scoped by tenant; Subscribe also accepts AllTenants.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope of every bus payload.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds

	// NATSQueueGroup load-balances subscriptions across replicas. Empty delivers to every subscriber.
	NATSQueueGroup string `yaml:"natsQueueGroup"`
}

// AllTenants subscribes to a topic across every tenant.
const AllTenants = "*"

// Topic names of the analysis pipeline.
const (
	TopicSnapshotSubmitted = "kestrel.snapshot.submitted"
	TopicAnalysisCompleted = "kestrel.analysis.completed"
	TopicClusterAlert      = "kestrel.cluster.alert"
)

// ClusterAlert is published once per high-risk cluster of an analysis.
type ClusterAlert struct {
	RunID       string    `json:"runId"`
	TenantID    string    `json:"tenantId"`
	ClusterID   string    `json:"clusterId"`
	Label       string    `json:"label"`
	AccountIDs  []string  `json:"accountIds"`
	RiskScore   float64   `json:"riskScore"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	Explanation string    `json:"explanation"`
}
