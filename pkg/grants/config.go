package grants

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Features are the deployment switches consulted at the start of
// CreateMilestone and RecordFunding, plus the currency budgets are shown
// in. Each one can also be set through the unprefixed variable name used by
// earlier deployments.
type Features struct {
	AllowMilestonesOnTheGo            bool   `yaml:"allowMilestonesOnTheGo"            envconfig:"ALLOW_MILESTONES_ON_THE_GO"`
	SkipMilestoneInterviewAndApproval bool   `yaml:"skipMilestoneInterviewAndApproval" envconfig:"SKIP_MILESTONE_INTERVIEW_AND_APPROVAL"`
	DefaultCurrency                   string `yaml:"defaultCurrency"                   envconfig:"DEFAULT_CURRENCY"`
}

// EngineConfig holds the engine tunables.
type EngineConfig struct {
	// ExternalCallTimeout bounds each chain, scheduling and key lookup.
	ExternalCallTimeout time.Duration `yaml:"externalCallTimeout" envconfig:"EXTERNAL_CALL_TIMEOUT"`
	// CommitAttempts is how often a commit is retried after losing a
	// version race before reporting a conflict.
	CommitAttempts int `yaml:"commitAttempts" envconfig:"COMMIT_ATTEMPTS"`
}

// AuditConfig controls how long milestone events are kept.
type AuditConfig struct {
	// RetentionDays deletes events older than this many days. Zero keeps
	// them forever.
	RetentionDays int `yaml:"retentionDays" envconfig:"AUDIT_RETENTION_DAYS"`
}

// Config is the grants section of the grantd configuration.
type Config struct {
	Features Features     `yaml:"features"`
	Engine   EngineConfig `yaml:"engine"`
	Audit    AuditConfig  `yaml:"audit"`
}

// DefaultConfig returns the default grants configuration.
func DefaultConfig() *Config {
	return &Config{
		Features: Features{DefaultCurrency: "USN"},
		Engine: EngineConfig{
			ExternalCallTimeout: 10 * time.Second,
			CommitAttempts:      3,
		},
	}
}

// LoadConfig reads the YAML file at path (if any) over the defaults and then
// applies environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse grants config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read grants config: %w", err)
		}
	}
	if err := envconfig.Process("grantd", &cfg.Features); err != nil {
		return nil, fmt.Errorf("process feature environment: %w", err)
	}
	if err := envconfig.Process("grantd", &cfg.Engine); err != nil {
		return nil, fmt.Errorf("process engine environment: %w", err)
	}
	if err := envconfig.Process("grantd", &cfg.Audit); err != nil {
		return nil, fmt.Errorf("process audit environment: %w", err)
	}
	if cfg.Audit.RetentionDays < 0 {
		cfg.Audit.RetentionDays = 0
	}
	cfg.Engine.normalize()
	return cfg, nil
}

func (c *EngineConfig) normalize() {
	def := DefaultConfig().Engine
	if c.ExternalCallTimeout <= 0 {
		c.ExternalCallTimeout = def.ExternalCallTimeout
	}
	if c.CommitAttempts <= 0 {
		c.CommitAttempts = def.CommitAttempts
	}
}
