package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/fhirgate/fhirgate/internal/authz"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	FHIRVersion   string `mapstructure:"FHIR_VERSION"`
	ServerBaseURL string `mapstructure:"SERVER_BASE_URL"`

	ScopeKey                string `mapstructure:"SCOPE_CLAIM_KEY"`
	FHIRUserClaimPath       string `mapstructure:"FHIR_USER_CLAIM_PATH"`
	LaunchContextPathPrefix string `mapstructure:"LAUNCH_CONTEXT_PATH_PREFIX"`

	ExpectedIss      string `mapstructure:"EXPECTED_ISS"`
	ExpectedAud      string `mapstructure:"EXPECTED_AUD"`
	ExpectedAudRegex string `mapstructure:"EXPECTED_AUD_REGEX"`

	JWKSEndpoint           string `mapstructure:"JWKS_ENDPOINT"`
	JWKSAPIKeyHeader       string `mapstructure:"JWKS_API_KEY_HEADER"`
	JWKSAPIKeyValue        string `mapstructure:"JWKS_API_KEY_VALUE"`
	IntrospectURL          string `mapstructure:"INTROSPECT_URL"`
	IntrospectClientID     string `mapstructure:"INTROSPECT_CLIENT_ID"`
	IntrospectClientSecret string `mapstructure:"INTROSPECT_CLIENT_SECRET"`

	AdminAccessTypes    []string `mapstructure:"ADMIN_ACCESS_TYPES"`
	BulkDataAccessTypes []string `mapstructure:"BULK_DATA_ACCESS_TYPES"`

	UserScopeAllowedForSystemExport bool `mapstructure:"USER_SCOPE_SYSTEM_EXPORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_VERSION", authz.FHIRVersionR4)
	v.SetDefault("SCOPE_CLAIM_KEY", "scp")
	v.SetDefault("FHIR_USER_CLAIM_PATH", "fhirUser")
	v.SetDefault("LAUNCH_CONTEXT_PATH_PREFIX", "launch_response_")
	v.SetDefault("ADMIN_ACCESS_TYPES", "Practitioner")
	v.SetDefault("BULK_DATA_ACCESS_TYPES", "Practitioner")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	for _, key := range []string{
		"PORT", "ENV", "FHIR_VERSION", "SERVER_BASE_URL",
		"SCOPE_CLAIM_KEY", "FHIR_USER_CLAIM_PATH", "LAUNCH_CONTEXT_PATH_PREFIX",
		"EXPECTED_ISS", "EXPECTED_AUD", "EXPECTED_AUD_REGEX",
		"JWKS_ENDPOINT", "JWKS_API_KEY_HEADER", "JWKS_API_KEY_VALUE",
		"INTROSPECT_URL", "INTROSPECT_CLIENT_ID", "INTROSPECT_CLIENT_SECRET",
		"ADMIN_ACCESS_TYPES", "BULK_DATA_ACCESS_TYPES",
		"USER_SCOPE_SYSTEM_EXPORT", "DATABASE_URL",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.AdminAccessTypes == nil {
		cfg.AdminAccessTypes = splitCSV(v.GetString("ADMIN_ACCESS_TYPES"))
	}
	if cfg.BulkDataAccessTypes == nil {
		cfg.BulkDataAccessTypes = splitCSV(v.GetString("BULK_DATA_ACCESS_TYPES"))
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration can construct the engine: a base
// URL and issuer/audience are required, the FHIR version must be one the
// engine ships data for, and exactly one token verification mode must be
// configured.
func (c *Config) Validate() error {
	if c.ServerBaseURL == "" {
		return fmt.Errorf("SERVER_BASE_URL is required")
	}
	if c.ExpectedIss == "" {
		return fmt.Errorf("EXPECTED_ISS is required")
	}
	if c.ExpectedAud == "" && c.ExpectedAudRegex == "" {
		return fmt.Errorf("EXPECTED_AUD or EXPECTED_AUD_REGEX is required")
	}
	if c.FHIRVersion != authz.FHIRVersionR4 && c.FHIRVersion != authz.FHIRVersionSTU3 {
		return fmt.Errorf("FHIR_VERSION must be %q or %q, got %q",
			authz.FHIRVersionR4, authz.FHIRVersionSTU3, c.FHIRVersion)
	}

	hasJWKS := c.JWKSEndpoint != ""
	hasIntrospection := c.IntrospectURL != ""
	if hasJWKS == hasIntrospection {
		return fmt.Errorf("exactly one of JWKS_ENDPOINT and INTROSPECT_URL must be set")
	}
	if hasIntrospection && (c.IntrospectClientID == "" || c.IntrospectClientSecret == "") {
		return fmt.Errorf("INTROSPECT_CLIENT_ID and INTROSPECT_CLIENT_SECRET are required with INTROSPECT_URL")
	}
	return nil
}

// EngineConfig translates the environment config into the engine's
// construction config.
func (c *Config) EngineConfig() authz.Config {
	cfg := authz.Config{
		Version:                 authz.EngineVersion,
		FHIRVersion:             c.FHIRVersion,
		ScopeKey:                c.ScopeKey,
		FHIRUserClaimPath:       c.FHIRUserClaimPath,
		LaunchContextPathPrefix: c.LaunchContextPathPrefix,
		ExpectedIssValue:        c.ExpectedIss,
		ExpectedAudValue:        c.ExpectedAud,
		ExpectedAudRegex:        c.ExpectedAudRegex,
		ServerBaseURL:           c.ServerBaseURL,
		AdminAccessTypes:        c.AdminAccessTypes,
		BulkDataAccessTypes:     c.BulkDataAccessTypes,

		IsUserScopeAllowedForSystemExport: c.UserScopeAllowedForSystemExport,
	}
	if c.JWKSEndpoint != "" {
		cfg.JWKSEndpoint = c.JWKSEndpoint
		if c.JWKSAPIKeyHeader != "" {
			cfg.JWKSHeaders = map[string]string{c.JWKSAPIKeyHeader: c.JWKSAPIKeyValue}
		}
	} else {
		cfg.TokenIntrospection = &authz.IntrospectionConfig{
			IntrospectURL: c.IntrospectURL,
			ClientID:      c.IntrospectClientID,
			ClientSecret:  c.IntrospectClientSecret,
		}
	}
	return cfg
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}
