// Package config defines the orchestrator's external configuration surface.
package config

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/pkg/errors"
)

// Config captures the core's external configuration, loaded from the
// process environment. Any exported field is deserialized by Load. A
// Config is treated as immutable once returned from Load/Clone; callers
// that need to mutate configuration should Clone first.
type Config struct {
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	CircuitBreakerFailureThreshold int           `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitBreakerResetTimeout     time.Duration `env:"CIRCUIT_BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	RateLimitDispatchesPerMinute int `env:"RATE_LIMIT_DISPATCHES_PER_MINUTE" envDefault:"10"`
	RateLimitMaxQueueDepth       int `env:"RATE_LIMIT_MAX_QUEUE_DEPTH" envDefault:"50"`

	RetryAgentFailureAttempts     int           `env:"RETRY_AGENT_FAILURE_ATTEMPTS" envDefault:"3"`
	RetryAgentFailureBaseDelay    time.Duration `env:"RETRY_AGENT_FAILURE_BASE_DELAY" envDefault:"5m"`

	// ApprovalOrchestrators and ApprovalAuthorizedApprovers are comma-separated
	// opaque agent/user ids, matching the teacher's AIReviewerBots convention.
	ApprovalOrchestrators      string `env:"APPROVAL_ORCHESTRATORS"`
	ApprovalAuthorizedApprovers string `env:"APPROVAL_AUTHORIZED_APPROVERS"`
	// ApprovalDiscordChannelID keeps the distilled spec's config key name for
	// continuity even though the concrete sender is Slack — see
	// internal/messaging and DESIGN.md for the substitution rationale.
	ApprovalDiscordChannelID string `env:"APPROVAL_DISCORD_CHANNEL_ID"`
	ApprovalTTLDays          int    `env:"APPROVAL_TTL_DAYS" envDefault:"7"`

	LearningsTTLDays int `env:"LEARNINGS_TTL_DAYS" envDefault:"365"`

	BullBoardAuthToken string `env:"BULL_BOARD_AUTH_TOKEN"`

	SlackBotToken string `env:"SLACK_BOT_TOKEN"`

	SessionHostBaseURL string `env:"SESSION_HOST_BASE_URL"`
	SessionHostAPIKey  string `env:"SESSION_HOST_API_KEY"`

	// CleanupInterval governs how often internal/orchestrator sweeps stale
	// index entries (SPEC_FULL.md §4.4).
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	// StoreReadyTimeout bounds how long the orchestrator waits for the
	// store connection on startup before falling back to direct-dispatch
	// mode (SPEC_FULL.md §4.10).
	StoreReadyTimeout time.Duration `env:"STORE_READY_TIMEOUT" envDefault:"10s"`

	SystemAgents string `env:"SYSTEM_AGENTS"`

	// MaxSpawnDepth bounds how many subagent-of-subagent levels a dispatch
	// chain may reach before the worker rejects it as unrecoverable.
	MaxSpawnDepth int `env:"MAX_SPAWN_DEPTH" envDefault:"5"`
	// MaxChildrenPerAgent bounds an agent's concurrently-active children
	// before the worker rejects further spawns as recoverable (retried).
	MaxChildrenPerAgent int `env:"MAX_CHILDREN_PER_AGENT" envDefault:"10"`

	// DefaultPrimaryModel and DefaultSubagentModel/ThinkingLevel are the
	// bottom two rungs of the model/thinking-level fallback ladder (job >
	// target-agent-subagent > default-subagent > default-primary > platform
	// default); "platform default" is the session host's own default and is
	// represented here by an empty string (no override sent).
	DefaultPrimaryModel          string `env:"DEFAULT_PRIMARY_MODEL"`
	DefaultSubagentModel         string `env:"DEFAULT_SUBAGENT_MODEL"`
	DefaultSubagentThinkingLevel string `env:"DEFAULT_SUBAGENT_THINKING_LEVEL"`

	// AgentProfilesJSON is a JSON object keyed by agent id, each value an
	// AgentProfile, analogous to the teacher's flat-string plugin-settings
	// fields but holding structured per-agent data the plugin-config model
	// has no equivalent of.
	AgentProfilesJSON string `env:"AGENT_PROFILES_JSON"`

	agentProfiles map[string]AgentProfile
}

// AgentProfile holds one agent's spawn allowlist and model/thinking-level
// overrides for the subagent rung of the fallback ladder.
type AgentProfile struct {
	AllowAgents           []string `json:"allowAgents"`
	SubagentModel         string   `json:"subagentModel"`
	SubagentThinkingLevel string   `json:"subagentThinkingLevel"`
}

// Load reads configuration from the process environment, applying defaults
// for anything left unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment configuration")
	}
	applyDefaults(cfg)
	if err := cfg.parseAgentProfiles(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseAgentProfiles() error {
	c.agentProfiles = map[string]AgentProfile{}
	if c.AgentProfilesJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(c.AgentProfilesJSON), &c.agentProfiles); err != nil {
		return errors.Wrap(err, "failed to parse agent profiles")
	}
	return nil
}

// AgentProfile returns the configured profile for agentID, or the zero value
// (no allowlist beyond self, no subagent overrides) if none is configured.
func (c *Config) AgentProfile(agentID string) AgentProfile {
	if c.agentProfiles == nil {
		return AgentProfile{}
	}
	return c.agentProfiles[agentID]
}

// SetAgentProfiles installs per-agent profiles directly, bypassing the
// AgentProfilesJSON env-var parsing path. Used by callers (and tests) that
// build a Config programmatically instead of via Load.
func (c *Config) SetAgentProfiles(profiles map[string]AgentProfile) {
	c.agentProfiles = profiles
}

// applyDefaults fills in zero-value fields the way the teacher's
// OnConfigurationChange re-applies plugin.json defaults for a fresh install.
func applyDefaults(cfg *Config) {
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	if cfg.CircuitBreakerResetTimeout <= 0 {
		cfg.CircuitBreakerResetTimeout = 30 * time.Second
	}
	if cfg.RateLimitMaxQueueDepth <= 0 {
		cfg.RateLimitMaxQueueDepth = 50
	}
	if cfg.RetryAgentFailureAttempts <= 0 {
		cfg.RetryAgentFailureAttempts = 3
	}
	if cfg.RetryAgentFailureBaseDelay <= 0 {
		cfg.RetryAgentFailureBaseDelay = 5 * time.Minute
	}
	if cfg.ApprovalTTLDays <= 0 {
		cfg.ApprovalTTLDays = 7
	}
	if cfg.LearningsTTLDays <= 0 {
		cfg.LearningsTTLDays = 365
	}
	if cfg.MaxSpawnDepth <= 0 {
		cfg.MaxSpawnDepth = 5
	}
	if cfg.MaxChildrenPerAgent <= 0 {
		cfg.MaxChildrenPerAgent = 10
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.StoreReadyTimeout <= 0 {
		cfg.StoreReadyTimeout = 10 * time.Second
	}
}

// Clone shallow copies the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// IsValid checks that required configuration is present and well-formed.
func (c *Config) IsValid() error {
	if c.RedisHost == "" {
		return errors.New("redis host is required")
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		return errors.Errorf("redis port out of range: %d", c.RedisPort)
	}
	if c.CircuitBreakerFailureThreshold < 1 {
		return errors.New("circuitBreaker.failureThreshold must be at least 1")
	}
	if c.RateLimitMaxQueueDepth < 1 {
		return errors.New("rateLimit.maxQueueDepth must be at least 1")
	}
	return nil
}

// ParseIDList splits a comma-separated id list, trimming whitespace and
// filtering empties. Mirrors the teacher's ParseAIReviewerBots helper.
func ParseIDList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var ids []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// Orchestrators returns the configured set of orchestrator agent ids.
func (c *Config) Orchestrators() []string {
	return ParseIDList(c.ApprovalOrchestrators)
}

// AuthorizedApprovers returns the configured set of ids permitted to
// approve/reject. An empty list means nobody is authorized (fail-secure).
func (c *Config) AuthorizedApprovers() []string {
	return ParseIDList(c.ApprovalAuthorizedApprovers)
}

// SystemAgentIDs returns the configured set of system-agent ids.
func (c *Config) SystemAgentIDs() []string {
	return ParseIDList(c.SystemAgents)
}

// ConfiguredAgents returns the set of agent ids with a profile entry,
// sorted for deterministic worker-construction order. internal/orchestrator
// spins up one queue worker per entry on startup.
func (c *Config) ConfiguredAgents() []string {
	ids := make([]string, 0, len(c.agentProfiles))
	for id := range c.agentProfiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
