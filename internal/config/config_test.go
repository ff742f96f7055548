package config

import (
	"testing"

	"github.com/fhirgate/fhirgate/internal/authz"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SERVER_BASE_URL", "https://api.example.com")
	t.Setenv("EXPECTED_ISS", "https://idp.example.com")
	t.Setenv("EXPECTED_AUD", "https://api.example.com")
	t.Setenv("JWKS_ENDPOINT", "https://idp.example.com/jwks")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.FHIRVersion != authz.FHIRVersionR4 {
		t.Errorf("fhir version = %q", cfg.FHIRVersion)
	}
	if cfg.ScopeKey != "scp" {
		t.Errorf("scope key = %q", cfg.ScopeKey)
	}
	if cfg.LaunchContextPathPrefix != "launch_response_" {
		t.Errorf("launch prefix = %q", cfg.LaunchContextPathPrefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fails  bool
	}{
		{name: "valid jwks", mutate: nil, fails: false},
		{
			name:   "missing base url",
			mutate: func(c *Config) { c.ServerBaseURL = "" },
			fails:  true,
		},
		{
			name:   "missing issuer",
			mutate: func(c *Config) { c.ExpectedIss = "" },
			fails:  true,
		},
		{
			name:   "missing audience",
			mutate: func(c *Config) { c.ExpectedAud = "" },
			fails:  true,
		},
		{
			name:   "audience pattern alone suffices",
			mutate: func(c *Config) { c.ExpectedAud = ""; c.ExpectedAudRegex = "^aud-.*$" },
			fails:  false,
		},
		{
			name:   "unsupported fhir version",
			mutate: func(c *Config) { c.FHIRVersion = "5.0.0" },
			fails:  true,
		},
		{
			name:   "no verification mode",
			mutate: func(c *Config) { c.JWKSEndpoint = "" },
			fails:  true,
		},
		{
			name:   "both verification modes",
			mutate: func(c *Config) { c.IntrospectURL = "https://idp.example.com/introspect" },
			fails:  true,
		},
		{
			name: "introspection without credentials",
			mutate: func(c *Config) {
				c.JWKSEndpoint = ""
				c.IntrospectURL = "https://idp.example.com/introspect"
			},
			fails: true,
		},
		{
			name: "introspection with credentials",
			mutate: func(c *Config) {
				c.JWKSEndpoint = ""
				c.IntrospectURL = "https://idp.example.com/introspect"
				c.IntrospectClientID = "client"
				c.IntrospectClientSecret = "secret"
			},
			fails: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				FHIRVersion:   authz.FHIRVersionR4,
				ServerBaseURL: "https://api.example.com",
				ExpectedIss:   "https://idp.example.com",
				ExpectedAud:   "https://api.example.com",
				JWKSEndpoint:  "https://idp.example.com/jwks",
			}
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.fails && err == nil {
				t.Error("expected validation failure")
			}
			if !tt.fails && err != nil {
				t.Errorf("unexpected validation failure: %v", err)
			}
		})
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := &Config{
		FHIRVersion:             authz.FHIRVersionR4,
		ServerBaseURL:           "https://api.example.com",
		ScopeKey:                "scp",
		FHIRUserClaimPath:       "fhirUser",
		LaunchContextPathPrefix: "launch_response_",
		ExpectedIss:             "https://idp.example.com",
		ExpectedAud:             "https://api.example.com",
		JWKSEndpoint:            "https://idp.example.com/jwks",
		JWKSAPIKeyHeader:        "X-Api-Key",
		JWKSAPIKeyValue:         "k1",
		AdminAccessTypes:        []string{"Practitioner"},
	}
	engineCfg := cfg.EngineConfig()
	if engineCfg.Version != authz.EngineVersion {
		t.Errorf("version = %q", engineCfg.Version)
	}
	if engineCfg.JWKSHeaders["X-Api-Key"] != "k1" {
		t.Error("JWKS headers not propagated")
	}
	if engineCfg.TokenIntrospection != nil {
		t.Error("introspection must not be set in JWKS mode")
	}
	if _, err := authz.New(engineCfg); err != nil {
		t.Errorf("engine construction from config: %v", err)
	}

	cfg.JWKSEndpoint = ""
	cfg.IntrospectURL = "https://idp.example.com/introspect"
	cfg.IntrospectClientID = "client"
	cfg.IntrospectClientSecret = "secret"
	engineCfg = cfg.EngineConfig()
	if engineCfg.TokenIntrospection == nil || engineCfg.TokenIntrospection.ClientID != "client" {
		t.Error("introspection config not propagated")
	}
}
