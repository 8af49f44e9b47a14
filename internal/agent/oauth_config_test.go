package agent

import (
	"testing"
	"time"
)

func TestOAuthConfigWithDefaults(t *testing.T) {
	cfg := (&OAuthConfig{}).WithDefaults()

	if cfg.ClientName != "Datadog MCP Client" {
		t.Errorf("ClientName: got %q", cfg.ClientName)
	}
	if cfg.RedirectURL != "http://localhost:8080/callback" {
		t.Errorf("RedirectURL: got %q", cfg.RedirectURL)
	}
	if cfg.Site != "datadoghq.com" {
		t.Errorf("Site: got %q", cfg.Site)
	}
	if cfg.AuthorizationTimeout != 5*time.Minute {
		t.Errorf("AuthorizationTimeout: got %v", cfg.AuthorizationTimeout)
	}
}

func TestOAuthConfigWithDefaultsPreservesSetFields(t *testing.T) {
	original := &OAuthConfig{
		ClientName:           "custom",
		RedirectURL:          "http://localhost:9999/cb",
		Site:                 "datadoghq.eu",
		AuthorizationTimeout: time.Minute,
	}

	cfg := original.WithDefaults()
	if cfg.ClientName != "custom" || cfg.RedirectURL != "http://localhost:9999/cb" || cfg.Site != "datadoghq.eu" || cfg.AuthorizationTimeout != time.Minute {
		t.Errorf("set fields must survive WithDefaults: %+v", cfg)
	}

	// WithDefaults returns a copy.
	cfg.Site = "changed"
	if original.Site != "datadoghq.eu" {
		t.Error("WithDefaults must not mutate the receiver")
	}
}

func TestOAuthConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		redirectURL string
		site        string
		wantErr     bool
	}{
		{"http localhost", "http://localhost:8080/callback", "datadoghq.com", false},
		{"http loopback", "http://127.0.0.1:8080/callback", "datadoghq.com", false},
		{"http ipv6 loopback", "http://[::1]:8080/callback", "datadoghq.com", false},
		{"https public host", "https://example.com/callback", "datadoghq.com", false},
		{"http public host", "http://example.com/callback", "datadoghq.com", true},
		{"unsupported scheme", "ftp://localhost/callback", "datadoghq.com", true},
		{"missing redirect", "", "datadoghq.com", true},
		{"missing host", "http://", "datadoghq.com", true},
		{"missing site", "http://localhost:8080/callback", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &OAuthConfig{RedirectURL: tt.redirectURL, Site: tt.site}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
