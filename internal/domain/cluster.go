package domain

import (
	"time"
)

// RiskLevel is the bucketed risk classification.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ClusterMetrics holds the normalized suspicion signals of a cluster.
// Every score is clamped to [0,1].
type ClusterMetrics struct {
	FingerprintReuse     float64 `json:"fingerprintReuseScore"`
	DeviceIDReuse        float64 `json:"deviceIdReuseScore"`
	IPReuse              float64 `json:"ipReuseScore"`
	VPNPresence          float64 `json:"vpnScore"`
	TimeSync             float64 `json:"timeSyncScore"`
	GraphDensity         float64 `json:"graphDensityScore"`
	BurstWindow          float64 `json:"burstWindowScore"`
	SynchronizedActivity float64 `json:"synchronizedActivityScore"`
	Funnel               float64 `json:"funnelScore"`
	CircularFlow         float64 `json:"circularFlowScore"`
	PassThrough          float64 `json:"passThroughScore"`
	Automation           float64 `json:"automationScore"`
	PhysicalConflict     float64 `json:"physicalConflictScore"`
	BiometricAnomaly     float64 `json:"biometricAnomalyScore"`

	// BiometricAvailable is false when no transaction in the cluster carried a session anomaly score.
	BiometricAvailable bool `json:"biometricAvailable"`
}

// Signal names, in the order returned by Signals.
const (
	SignalFingerprintReuse     = "fingerprintReuseScore"
	SignalDeviceIDReuse        = "deviceIdReuseScore"
	SignalIPReuse              = "ipReuseScore"
	SignalVPNPresence          = "vpnScore"
	SignalTimeSync             = "timeSyncScore"
	SignalGraphDensity         = "graphDensityScore"
	SignalBurstWindow          = "burstWindowScore"
	SignalSynchronizedActivity = "synchronizedActivityScore"
	SignalFunnel               = "funnelScore"
	SignalCircularFlow         = "circularFlowScore"
	SignalPassThrough          = "passThroughScore"
	SignalAutomation           = "automationScore"
	SignalPhysicalConflict     = "physicalConflictScore"
	SignalBiometricAnomaly     = "biometricAnomalyScore"
)

// NamedSignal is a single signal value with its name.
type NamedSignal struct {
	Name  string
	Value float64
}

// Signals returns all signals in a stable order.
func (m ClusterMetrics) Signals() []NamedSignal {
	return []NamedSignal{
		{SignalFingerprintReuse, m.FingerprintReuse},
		{SignalDeviceIDReuse, m.DeviceIDReuse},
		{SignalIPReuse, m.IPReuse},
		{SignalVPNPresence, m.VPNPresence},
		{SignalTimeSync, m.TimeSync},
		{SignalGraphDensity, m.GraphDensity},
		{SignalBurstWindow, m.BurstWindow},
		{SignalSynchronizedActivity, m.SynchronizedActivity},
		{SignalFunnel, m.Funnel},
		{SignalCircularFlow, m.CircularFlow},
		{SignalPassThrough, m.PassThrough},
		{SignalAutomation, m.Automation},
		{SignalPhysicalConflict, m.PhysicalConflict},
		{SignalBiometricAnomaly, m.BiometricAnomaly},
	}
}

// Map returns the signals keyed by name.
func (m ClusterMetrics) Map() map[string]float64 {
	signals := m.Signals()
	out := make(map[string]float64, len(signals))
	for _, s := range signals {
		out[s.Name] = s.Value
	}
	return out
}

// Contribution shows how a single signal contributed to the rule score.
type Contribution struct {
	Signal       string  `json:"signal"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"` // value * weight
}

// RuleScore is the output of the rule scorer.
type RuleScore struct {
	Score         float64        `json:"score"`
	WeightedSum   float64        `json:"weightedSum"`
	ActiveSignals int            `json:"activeSignals"`
	Amplification float64        `json:"amplification"`
	Contributions []Contribution `json:"contributions"`
}

// Cluster is a connected component of linked accounts with its assessment.
type Cluster struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	AccountIDs  []string       `json:"accountIds"`
	Links       []IdentityLink `json:"links"`
	Metrics     ClusterMetrics `json:"metrics"`
	Rule        RuleScore      `json:"rule"`
	Prediction  Prediction     `json:"prediction"`
	RiskScore   float64        `json:"riskScore"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	Explanation string         `json:"explanation"`
}

// LinkTypesPresent returns the distinct link types of the cluster in stable order.
func (c *Cluster) LinkTypesPresent() []LinkType {
	seen := make(map[LinkType]bool, len(LinkTypes))
	for _, l := range c.Links {
		seen[l.Type] = true
	}
	var types []LinkType
	for _, t := range LinkTypes {
		if seen[t] {
			types = append(types, t)
		}
	}
	return types
}

// RiskResult is the final per-account output.
type RiskResult struct {
	RiskScore float64   `json:"riskScore"`
	RiskLevel RiskLevel `json:"riskLevel"`
	ClusterID string    `json:"clusterId,omitempty"`
}

// Analysis is the complete output of one engine invocation.
type Analysis struct {
	RunID     string                `json:"runId"`
	TenantID  string                `json:"tenantId,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	Clusters  []Cluster             `json:"clusters"`
	Accounts  map[string]RiskResult `json:"accounts"`
	Stats     AnalysisStats         `json:"stats"`
}

// AnalysisStats contains processing information.
type AnalysisStats struct {
	Transactions  int   `json:"transactions"`
	Events        int   `json:"events"`
	Links         int   `json:"links"`
	Clusters      int   `json:"clusters"`
	Singletons    int   `json:"singletons"`
	HighRisk      int   `json:"highRisk"`
	ModelsUsed    bool  `json:"modelsUsed"`
	ModelFailures int   `json:"modelFailures"`
	LinkMs        int64 `json:"linkMs"`
	ScoreMs       int64 `json:"scoreMs"`
	TotalMs       int64 `json:"totalMs"`
}

// ClusterRecord is the persisted row shape of a cluster.
type ClusterRecord struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenantId"`
	RunID        string             `json:"runId"`
	ClusterLabel string             `json:"clusterLabel"`
	AccountIDs   []string           `json:"accountIds"`
	RiskScore    float64            `json:"riskScore"`
	RiskLevel    RiskLevel          `json:"riskLevel"`
	Metrics      map[string]float64 `json:"metrics"`
	Explanation  string             `json:"explanation"`
	EdgeCount    int                `json:"edgeCount"`
	CreatedAt    time.Time          `json:"createdAt"`

	// Links is only populated on records handed to sinks; the SQL store keeps EdgeCount.
	Links []IdentityLink `json:"links,omitempty"`
}

// Metric keys for model and rule sub-scores stored next to the signals.
const (
	MetricRuleScore      = "ruleScore"
	MetricSupervisedRisk = "supervisedRisk"
	MetricAnomalyScore   = "anomalyScore"
)

// ToRecord converts a cluster to its persisted row.
func (c *Cluster) ToRecord(tenantID, runID string, createdAt time.Time) ClusterRecord {
	metrics := c.Metrics.Map()
	metrics[MetricRuleScore] = c.Rule.Score
	metrics[MetricSupervisedRisk] = c.Prediction.SupervisedRisk
	metrics[MetricAnomalyScore] = c.Prediction.AnomalyScore

	accounts := make([]string, len(c.AccountIDs))
	copy(accounts, c.AccountIDs)

	return ClusterRecord{
		ID:           c.ID,
		TenantID:     tenantID,
		RunID:        runID,
		ClusterLabel: c.Label,
		AccountIDs:   accounts,
		RiskScore:    c.RiskScore,
		RiskLevel:    c.RiskLevel,
		Metrics:      metrics,
		Explanation:  c.Explanation,
		EdgeCount:    len(c.Links),
		CreatedAt:    createdAt,
		Links:        c.Links,
	}
}
