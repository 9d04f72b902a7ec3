// Package widget defines custom widget definitions and placed widget instances.
package widget

import (
	"strings"
	"time"

	"glance/internal/jsvmerr"
)

// FetchType selects how a widget obtains its data.
type FetchType string

const (
	// FetchServerCode runs the widget's server code on demand.
	FetchServerCode FetchType = "server_code"
	// FetchWebhook serves data pushed to the widget's webhook path.
	FetchWebhook FetchType = "webhook"
	// FetchAgentRefresh serves data deposited by an external agent.
	FetchAgentRefresh FetchType = "agent_refresh"
)

// Valid reports whether t is a known fetch type.
func (t FetchType) Valid() bool {
	switch t {
	case FetchServerCode, FetchWebhook, FetchAgentRefresh:
		return true
	}
	return false
}

// OnError is the cache policy applied when a refresh fails.
type OnError string

const (
	OnErrorUseStale  OnError = "use_stale"
	OnErrorShowError OnError = "show_error"
)

// CacheStorage names the backing store of a widget's instance cache.
type CacheStorage string

const (
	CacheStorageMemory CacheStorage = "memory"
	CacheStorageSQLite CacheStorage = "sqlite"
)

// CredentialType is the kind of secret or prerequisite a widget declares.
type CredentialType string

const (
	CredentialAPIKey        CredentialType = "api_key"
	CredentialLocalSoftware CredentialType = "local_software"
	CredentialOAuth         CredentialType = "oauth"
	CredentialAgent         CredentialType = "agent"
)

// Valid reports whether t is a known credential type.
func (t CredentialType) Valid() bool {
	switch t {
	case CredentialAPIKey, CredentialLocalSoftware, CredentialOAuth, CredentialAgent:
		return true
	}
	return false
}

// Size is a grid footprint.
type Size struct {
	W int `json:"w" yaml:"w"`
	H int `json:"h" yaml:"h"`
}

// FetchConfig is the discriminated union describing a widget's data source.
// Only the fields belonging to Type are meaningful.
type FetchConfig struct {
	Type FetchType `json:"type" yaml:"type"`

	// webhook
	WebhookPath     string `json:"webhook_path,omitempty" yaml:"webhook_path,omitempty"`
	RefreshEndpoint string `json:"refresh_endpoint,omitempty" yaml:"refresh_endpoint,omitempty"`

	// agent_refresh
	Schedule                 string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Instructions             string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	ExpectedFreshnessSeconds *int   `json:"expected_freshness_seconds,omitempty" yaml:"expected_freshness_seconds,omitempty"`
	MaxStalenessSeconds      *int   `json:"max_staleness_seconds,omitempty" yaml:"max_staleness_seconds,omitempty"`
}

// CacheConfig controls freshness of an instance's cached payload.
type CacheConfig struct {
	TTLSeconds          int          `json:"ttl_seconds" yaml:"ttl_seconds"`
	MaxStalenessSeconds *int         `json:"max_staleness_seconds,omitempty" yaml:"max_staleness_seconds,omitempty"`
	OnError             OnError      `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Storage             CacheStorage `json:"storage,omitempty" yaml:"storage,omitempty"`
}

// MaxStaleness returns the configured staleness bound, defaulting to three TTLs.
func (c CacheConfig) MaxStaleness() int {
	if c.MaxStalenessSeconds != nil {
		return *c.MaxStalenessSeconds
	}
	return c.TTLSeconds * 3
}

// UseStale reports whether stale data should mask refresh failures.
func (c CacheConfig) UseStale() bool {
	return c.OnError == OnErrorUseStale
}

// Credential describes a secret or local prerequisite the widget needs.
type Credential struct {
	ID           string         `json:"id" yaml:"id"`
	Type         CredentialType `json:"type" yaml:"type"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description" yaml:"description"`
	ObtainURL    string         `json:"obtain_url,omitempty" yaml:"obtain_url,omitempty"`
	InstallURL   string         `json:"install_url,omitempty" yaml:"install_url,omitempty"`
	CheckCommand string         `json:"check_command,omitempty" yaml:"check_command,omitempty"`
}

// SetupVerification tells an agent how to confirm setup succeeded.
type SetupVerification struct {
	Type   string `json:"type" yaml:"type"`
	Target string `json:"target" yaml:"target"`
}

// SetupConfig carries agent-facing setup instructions.
type SetupConfig struct {
	Description   string             `json:"description" yaml:"description"`
	AgentSkill    string             `json:"agent_skill" yaml:"agent_skill"`
	Verification  *SetupVerification `json:"verification,omitempty" yaml:"verification,omitempty"`
	Idempotent    *bool              `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	EstimatedTime string             `json:"estimated_time,omitempty" yaml:"estimated_time,omitempty"`
}

// Definition is a stored custom widget template.
type Definition struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	SourceCode        string  `json:"source_code"`
	ServerCode        *string `json:"server_code"`
	ServerCodeEnabled bool    `json:"server_code_enabled"`
	// CompiledCode memoizes the transpiled SourceCode. Storage clears it
	// whenever SourceCode changes.
	CompiledCode *string `json:"compiled_code,omitempty"`

	DefaultSize     Size `json:"default_size"`
	MinSize         Size `json:"min_size"`
	RefreshInterval int  `json:"refresh_interval"`

	Fetch       FetchConfig  `json:"fetch"`
	Cache       *CacheConfig `json:"cache,omitempty"`
	Credentials []Credential `json:"credentials"`
	Setup       *SetupConfig `json:"setup,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasServerCode reports whether the definition carries non-blank server code.
func (d *Definition) HasServerCode() bool {
	return d.ServerCode != nil && strings.TrimSpace(*d.ServerCode) != ""
}

// CheckServerExecution verifies the definition may run server code.
func (d *Definition) CheckServerExecution() error {
	if !d.ServerCodeEnabled {
		return &jsvmerr.ConfigurationError{Widget: d.Slug, Message: "server code is not enabled"}
	}
	if !d.HasServerCode() {
		return &jsvmerr.ConfigurationError{Widget: d.Slug, Message: "server code is enabled but missing"}
	}
	return nil
}

// EffectiveCache resolves the cache policy. Without an explicit cache block the
// refresh interval is the TTL; agent_refresh widgets take their expected
// freshness and staleness bounds from the fetch block.
func (d *Definition) EffectiveCache() CacheConfig {
	if d.Cache != nil {
		return *d.Cache
	}
	cc := CacheConfig{TTLSeconds: d.RefreshInterval, OnError: OnErrorShowError}
	if d.Fetch.Type == FetchAgentRefresh {
		if d.Fetch.ExpectedFreshnessSeconds != nil {
			cc.TTLSeconds = *d.Fetch.ExpectedFreshnessSeconds
		}
		if d.Fetch.MaxStalenessSeconds != nil {
			v := *d.Fetch.MaxStalenessSeconds
			cc.MaxStalenessSeconds = &v
		}
	}
	if cc.TTLSeconds < 0 {
		cc.TTLSeconds = 0
	}
	return cc
}

// Instance is a placement of a definition on a dashboard. Each instance owns
// an independent cache.
type Instance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"custom_widget_id"`
	Config       map[string]any `json:"config"`
	CreatedAt    time.Time      `json:"created_at"`
}
