package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineSettings is the serializable engine configuration.
type EngineSettings struct {
	EnableCaching        *bool  `json:"enable_caching,omitempty" yaml:"enable_caching,omitempty"`
	CacheTTLMs           int    `json:"cache_ttl_ms,omitempty" yaml:"cache_ttl_ms,omitempty"`
	EnableAuditLogging   *bool  `json:"enable_audit_logging,omitempty" yaml:"enable_audit_logging,omitempty"`
	LogAllDecisions      *bool  `json:"log_all_decisions,omitempty" yaml:"log_all_decisions,omitempty"`
	LogDeniedOnly        *bool  `json:"log_denied_only,omitempty" yaml:"log_denied_only,omitempty"`
	DefaultDecision      string `json:"default_decision,omitempty" yaml:"default_decision,omitempty"`
	ConflictResolution   string `json:"conflict_resolution,omitempty" yaml:"conflict_resolution,omitempty"`
	MaxEvaluationDepth   int    `json:"max_evaluation_depth,omitempty" yaml:"max_evaluation_depth,omitempty"`
	MaxEvaluationTimeMs  int    `json:"max_evaluation_time_ms,omitempty" yaml:"max_evaluation_time_ms,omitempty"`
	EnableNotifications  *bool  `json:"enable_realtime_notifications,omitempty" yaml:"enable_realtime_notifications,omitempty"`
	RistrettoNumCounters int64  `json:"ristretto_num_counters,omitempty" yaml:"ristretto_num_counters,omitempty"`
	RistrettoMaxCost     int64  `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBufferItems int64  `json:"ristretto_buffer_items,omitempty" yaml:"ristretto_buffer_items,omitempty"`
}

// Config is the on-disk representation of an engine plus its documents.
type Config struct {
	Version   string         `json:"version" yaml:"version"`
	Engine    EngineSettings `json:"engine,omitempty" yaml:"engine,omitempty"`
	Documents []*Document    `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// LoadConfigFile reads a YAML or JSON config, chosen by file extension.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadConfigJSON(data)
	default:
		return LoadConfigYAML(data)
	}
}

func LoadConfigYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ValidationError{Field: "config", Detail: fmt.Sprintf("yaml: %v", err)}
	}
	return &cfg, nil
}

func LoadConfigJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ValidationError{Field: "config", Detail: fmt.Sprintf("json: %v", err)}
	}
	return &cfg, nil
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks the settings without touching an engine.
func (c *Config) Validate(registry *FunctionRegistry) error {
	if registry == nil {
		registry = NewFunctionRegistry()
	}
	if c.Engine.DefaultDecision != "" {
		switch Effect(c.Engine.DefaultDecision) {
		case EffectAllow, EffectDeny, EffectIndeterminate:
		default:
			return &ValidationError{Field: "default_decision", Detail: fmt.Sprintf("unknown effect %q", c.Engine.DefaultDecision)}
		}
	}
	if c.Engine.ConflictResolution != "" && !ValidStrategy(Strategy(c.Engine.ConflictResolution)) {
		return &ValidationError{Field: "conflict_resolution", Detail: fmt.Sprintf("unknown strategy %q", c.Engine.ConflictResolution)}
	}
	maxDepth := c.Engine.MaxEvaluationDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxEvaluationDepth
	}
	for _, doc := range c.Documents {
		if doc.Version == "" {
			doc.Version = DefaultVersion
		}
		if doc.ID == "" {
			doc.ID = DocumentID(doc.Name, doc.Version)
		}
		if err := ValidateDocument(doc, registry, maxDepth); err != nil {
			return &ValidationError{Field: "policies", Detail: fmt.Sprintf("policy %q: %v", doc.Name, err)}
		}
	}
	return nil
}

// ApplyConfig applies the engine settings that are safe to change at
// runtime, then upserts every document in the config. Existing documents
// are replaced wholesale; new ones are created.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Field: "config", Detail: "config is nil"}
	}
	if err := cfg.Validate(e.registry); err != nil {
		return err
	}

	s := cfg.Engine
	e.mu.Lock()
	if s.EnableCaching != nil {
		e.settings.enableCaching = *s.EnableCaching
		if e.settings.enableCaching && e.cache == nil {
			e.cache = NewMemoryDecisionCache()
		}
	}
	if s.CacheTTLMs > 0 {
		e.settings.cacheTTL = time.Duration(s.CacheTTLMs) * time.Millisecond
	}
	if s.EnableAuditLogging != nil && e.auditSink != nil {
		// The worker and channel are created at construction; the flag
		// only gates enqueueing.
		e.settings.enableAuditLogging = *s.EnableAuditLogging
	}
	if s.LogAllDecisions != nil {
		e.settings.logAllDecisions = *s.LogAllDecisions
	}
	if s.LogDeniedOnly != nil {
		e.settings.logDeniedOnly = *s.LogDeniedOnly
	}
	if s.EnableNotifications != nil {
		e.settings.enableNotifications = *s.EnableNotifications
	}
	if s.DefaultDecision != "" {
		e.settings.defaultDecision = Effect(s.DefaultDecision)
	}
	if s.ConflictResolution != "" {
		e.settings.strategy = Strategy(s.ConflictResolution)
	}
	if s.MaxEvaluationDepth > 0 {
		e.settings.maxDepth = s.MaxEvaluationDepth
	}
	if s.MaxEvaluationTimeMs > 0 {
		e.settings.maxEvalTime = time.Duration(s.MaxEvaluationTimeMs) * time.Millisecond
	}
	e.mu.Unlock()

	// strategy or default-decision changes make cached decisions stale
	e.invalidate()

	for _, doc := range cfg.Documents {
		existing, err := e.store.Get(ctx, doc.ID)
		if err != nil {
			if _, ok := err.(*NotFoundError); !ok {
				return err
			}
			if _, err := e.CreateDocument(ctx, doc); err != nil {
				return err
			}
			continue
		}
		patch := &DocumentPatch{
			Name:       &doc.Name,
			Version:    &doc.Version,
			IsActive:   &doc.IsActive,
			Statements: doc.Statements,
			Variables:  doc.Variables,
			Functions:  doc.Functions,
			Tags:       doc.Tags,
		}
		if _, err := e.UpdateDocument(ctx, existing.ID, patch); err != nil {
			return err
		}
	}
	e.log.Info("configuration applied", "policies", len(cfg.Documents))
	return nil
}

// ExportConfig snapshots the engine settings and every stored document
// into a config that round-trips through LoadConfigFile.
func (e *Engine) ExportConfig(ctx context.Context) (*Config, error) {
	docs, err := e.store.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	cfg, _ := e.snapshot()
	caching := cfg.enableCaching
	audit := cfg.enableAuditLogging
	logAll := cfg.logAllDecisions
	deniedOnly := cfg.logDeniedOnly
	notify := cfg.enableNotifications
	return &Config{
		Version: DefaultVersion,
		Engine: EngineSettings{
			EnableCaching:       &caching,
			CacheTTLMs:          int(cfg.cacheTTL / time.Millisecond),
			EnableAuditLogging:  &audit,
			LogAllDecisions:     &logAll,
			LogDeniedOnly:       &deniedOnly,
			EnableNotifications: &notify,
			DefaultDecision:     string(cfg.defaultDecision),
			ConflictResolution:  string(cfg.strategy),
			MaxEvaluationDepth:  cfg.maxDepth,
			MaxEvaluationTimeMs: int(cfg.maxEvalTime / time.Millisecond),
		},
		Documents: docs,
	}, nil
}
