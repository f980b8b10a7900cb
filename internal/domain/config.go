package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines feature availability
	Tier Tier `yaml:"tier"`

	// Engine tuning: windows, strengths, weights, thresholds
	Engine EngineConfig `yaml:"engine"`

	// Model ensemble
	Model ModelConfig `yaml:"model"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`
	Graph      GraphConfig      `yaml:"graph"`
	Worker     WorkerConfig     `yaml:"worker"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
	MaxBatchSize int    `yaml:"maxBatchSize"` // transactions per snapshot
}

// WorkerConfig controls the asynchronous snapshot worker.
type WorkerConfig struct {
	Enabled     bool     `yaml:"enabled"`
	TenantIDs   []string `yaml:"tenantIds"` // empty subscribes to every tenant
	Concurrency int      `yaml:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`

	// Endpoint is the OTLP/HTTP collector, host:port. Empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ModelConfig controls the model ensemble lifecycle.
type ModelConfig struct {
	// Enabled injects the model registry into the engine. When false the engine is rules-only.
	Enabled bool `yaml:"enabled"`

	// CacheKey under which the trained model is persisted.
	CacheKey string `yaml:"cacheKey"`

	// Seed for the synthetic training set and the isolation forest.
	Seed uint64 `yaml:"seed"`

	TrainingSamples int `yaml:"trainingSamples"`
	Trees           int `yaml:"trees"`
	SubsampleSize   int `yaml:"subsampleSize"`
	Epochs          int `yaml:"epochs"`

	// FlagRules replace the built-in model flag rules when non-empty.
	FlagRules []FlagRule `yaml:"flagRules"`
}

// EngineConfig exposes every tunable constant of the engine.
type EngineConfig struct {
	Linking  LinkingConfig  `yaml:"linking"`
	Signals  SignalConfig   `yaml:"signals"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Ensemble EnsembleConfig `yaml:"ensemble"`

	// SinkTimeout bounds the asynchronous persistence write.
	SinkTimeout time.Duration `yaml:"sinkTimeout"`
}

// LinkingConfig holds the identity linker parameters.
type LinkingConfig struct {
	TimeWindow         time.Duration `yaml:"timeWindow"`
	ReportingThreshold float64       `yaml:"reportingThreshold"`
	BehaviorSimilarity float64       `yaml:"behaviorSimilarity"`
	MinBehaviorTxCount int           `yaml:"minBehaviorTxCount"`

	FingerprintStrength float64 `yaml:"fingerprintStrength"`
	DeviceIDStrength    float64 `yaml:"deviceIdStrength"`
	IPStrength          float64 `yaml:"ipStrength"`
	SubnetStrength      float64 `yaml:"subnetStrength"`
	ASNStrength         float64 `yaml:"asnStrength"`
	VPNStrength         float64 `yaml:"vpnStrength"`
	TimeStrength        float64 `yaml:"timeStrength"`
	BehaviorStrength    float64 `yaml:"behaviorStrength"`
}

// Strength returns the configured strength for a link type.
func (c LinkingConfig) Strength(t LinkType) float64 {
	switch t {
	case LinkFingerprint:
		return c.FingerprintStrength
	case LinkDeviceID:
		return c.DeviceIDStrength
	case LinkIP:
		return c.IPStrength
	case LinkSubnet:
		return c.SubnetStrength
	case LinkASN:
		return c.ASNStrength
	case LinkVPN:
		return c.VPNStrength
	case LinkTime:
		return c.TimeStrength
	case LinkBehavior:
		return c.BehaviorStrength
	}
	return 0
}

// SignalConfig holds the metrics calculator parameters.
type SignalConfig struct {
	FingerprintBase float64 `yaml:"fingerprintBase"`
	DeviceBase      float64 `yaml:"deviceBase"`
	ReuseSpan       float64 `yaml:"reuseSpan"`

	VPNBase float64 `yaml:"vpnBase"`
	VPNSpan float64 `yaml:"vpnSpan"`

	IPWeight     float64 `yaml:"ipWeight"`
	SubnetWeight float64 `yaml:"subnetWeight"`
	ASNWeight    float64 `yaml:"asnWeight"`

	DensityExponent float64 `yaml:"densityExponent"`

	BurstWindow     time.Duration `yaml:"burstWindow"`
	BurstMinTx      int           `yaml:"burstMinTx"`
	BurstDivisor    float64       `yaml:"burstDivisor"`
	SyncWindow      time.Duration `yaml:"syncWindow"`
	SyncDivisor     float64       `yaml:"syncDivisor"`
	FunnelMinIn     int           `yaml:"funnelMinIn"`
	FunnelMaxOut    int           `yaml:"funnelMaxOut"`
	FunnelDivisor   float64       `yaml:"funnelDivisor"`
	CycleDivisor    float64       `yaml:"cycleDivisor"`
	PassWindow      time.Duration `yaml:"passWindow"`
	PassDivisor     float64       `yaml:"passDivisor"`
	ConflictWindow  time.Duration `yaml:"conflictWindow"`
	ConflictDivisor float64       `yaml:"conflictDivisor"`

	AutomationMinTx int `yaml:"automationMinTx"`

	// Automation scoring: gap coefficient of variation below RegularCV (or
	// SteadyCV) and the share of the most repeated amount above RepeatHigh
	// (or RepeatLow) each add their score. RegularBonus applies when both
	// the timing is regular and the amounts repeat above RepeatHigh.
	AutomationRegularCV       float64 `yaml:"automationRegularCv"`
	AutomationRegularScore    float64 `yaml:"automationRegularScore"`
	AutomationSteadyCV        float64 `yaml:"automationSteadyCv"`
	AutomationSteadyScore     float64 `yaml:"automationSteadyScore"`
	AutomationSubSecondScore  float64 `yaml:"automationSubSecondScore"`
	AutomationRepeatHigh      float64 `yaml:"automationRepeatHigh"`
	AutomationRepeatHighScore float64 `yaml:"automationRepeatHighScore"`
	AutomationRepeatLow       float64 `yaml:"automationRepeatLow"`
	AutomationRepeatLowScore  float64 `yaml:"automationRepeatLowScore"`
	AutomationRegularBonus    float64 `yaml:"automationRegularBonus"`
}

// ScoringConfig holds the rule scorer weights and thresholds.
type ScoringConfig struct {
	Weights map[string]float64 `yaml:"weights"`

	// ActiveThreshold is the value above which a signal counts as active.
	ActiveThreshold float64 `yaml:"activeThreshold"`

	// Amplification lists (min active signals, bonus) pairs, checked from the top.
	Amplification []AmplificationStep `yaml:"amplification"`

	HighThreshold   float64 `yaml:"highThreshold"`
	MediumThreshold float64 `yaml:"mediumThreshold"`

	SingletonVPNScore float64 `yaml:"singletonVpnScore"`

	// RedistributeUnavailableBiometric drops the biometric weight when no
	// biometric input exists and renormalises the weighted sum.
	RedistributeUnavailableBiometric bool `yaml:"redistributeUnavailableBiometric"`
}

// AmplificationStep is one multi-signal bonus bracket.
type AmplificationStep struct {
	MinActive int     `yaml:"minActive"`
	Bonus     float64 `yaml:"bonus"`
}

// EnsembleConfig holds the blend weights of rule and model scores.
type EnsembleConfig struct {
	RuleWeight       float64 `yaml:"ruleWeight"`
	SupervisedWeight float64 `yaml:"supervisedWeight"`
	AnomalyWeight    float64 `yaml:"anomalyWeight"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultEngineConfig returns the canonical engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Linking: LinkingConfig{
			TimeWindow:          5 * time.Minute,
			ReportingThreshold:  10000,
			BehaviorSimilarity:  0.85,
			MinBehaviorTxCount:  2,
			FingerprintStrength: 0.9,
			DeviceIDStrength:    0.6,
			IPStrength:          0.5,
			SubnetStrength:      0.4,
			ASNStrength:         0.35,
			VPNStrength:         0.2,
			TimeStrength:        0.8,
			BehaviorStrength:    0.5,
		},
		Signals: SignalConfig{
			FingerprintBase: 0.6,
			DeviceBase:      0.5,
			ReuseSpan:       0.4,
			VPNBase:         0.5,
			VPNSpan:         0.5,
			IPWeight:        1.0,
			SubnetWeight:    0.7,
			ASNWeight:       0.4,
			DensityExponent: 0.7,
			BurstWindow:     60 * time.Second,
			BurstMinTx:      3,
			BurstDivisor:    3,
			SyncWindow:      time.Second,
			SyncDivisor:     2,
			FunnelMinIn:     3,
			FunnelMaxOut:    1,
			FunnelDivisor:   2,
			CycleDivisor:    2,
			PassWindow:      5 * time.Minute,
			PassDivisor:     3,
			ConflictWindow:  60 * time.Second,
			ConflictDivisor: 2,
			AutomationMinTx: 3,

			AutomationRegularCV:       0.05,
			AutomationRegularScore:    0.4,
			AutomationSteadyCV:        0.15,
			AutomationSteadyScore:     0.2,
			AutomationSubSecondScore:  0.15,
			AutomationRepeatHigh:      0.7,
			AutomationRepeatHighScore: 0.3,
			AutomationRepeatLow:       0.5,
			AutomationRepeatLowScore:  0.15,
			AutomationRegularBonus:    0.2,
		},
		Scoring: ScoringConfig{
			Weights: map[string]float64{
				// identity / infrastructure: 0.34
				SignalFingerprintReuse: 0.14,
				SignalDeviceIDReuse:    0.10,
				SignalIPReuse:          0.06,
				SignalVPNPresence:      0.04,
				// temporal coordination: 0.20
				SignalTimeSync:             0.08,
				SignalBurstWindow:          0.06,
				SignalSynchronizedActivity: 0.06,
				// network density: 0.06
				SignalGraphDensity: 0.06,
				// money-flow structure: 0.15
				SignalFunnel:       0.05,
				SignalCircularFlow: 0.05,
				SignalPassThrough:  0.05,
				// automation, physical consistency, biometric/session
				SignalAutomation:       0.08,
				SignalPhysicalConflict: 0.05,
				SignalBiometricAnomaly: 0.12,
			},
			ActiveThreshold: 0.3,
			Amplification: []AmplificationStep{
				{MinActive: 6, Bonus: 0.30},
				{MinActive: 4, Bonus: 0.20},
				{MinActive: 3, Bonus: 0.12},
				{MinActive: 2, Bonus: 0.05},
			},
			HighThreshold:     0.55,
			MediumThreshold:   0.30,
			SingletonVPNScore: 0.20,
		},
		Ensemble: EnsembleConfig{
			RuleWeight:       0.5,
			SupervisedWeight: 0.3,
			AnomalyWeight:    0.2,
		},
		SinkTimeout: 30 * time.Second,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
			MaxBatchSize: 50000,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Model: ModelConfig{
			Enabled:         true,
			CacheKey:        "cluster-ensemble:v1",
			Seed:            42,
			TrainingSamples: 2000,
			Trees:           64,
			SubsampleSize:   128,
			Epochs:          300,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Worker: WorkerConfig{
			Enabled:     false,
			Concurrency: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		ResultTTL:      24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Graph = GraphConfig{
		Enabled:        true,
		URI:            "neo4j://localhost:7687",
		MaxConnections: 10,
	}
	cfg.Worker = WorkerConfig{
		Enabled:     true,
		Concurrency: 4,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
