package regmirror

import (
	"crypto/tls"
	"strings"
	"testing"
)

func TestTLSConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  TLSConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty config should be valid",
			config:  TLSConfig{},
			wantErr: false,
		},
		{
			name: "valid TLS 1.2 minimum",
			config: TLSConfig{
				MinVersion: "1.2",
			},
			wantErr: false,
		},
		{
			name: "valid TLS 1.3 range",
			config: TLSConfig{
				MinVersion: "1.2",
				MaxVersion: "1.3",
			},
			wantErr: false,
		},
		{
			name: "invalid version range",
			config: TLSConfig{
				MinVersion: "1.3",
				MaxVersion: "1.2",
			},
			wantErr: true,
			errMsg:  "min_version cannot be greater than max_version",
		},
		{
			name: "missing client key file",
			config: TLSConfig{
				ClientCertFile: "cert.pem",
			},
			wantErr: true,
			errMsg:  "both client_cert_file and client_key_file must be specified",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("TLSConfig.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err != nil && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("TLSConfig.Validate() error = %v, wanted error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestTLSConfigBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   TLSConfig
		wantErr  bool
		validate func(*tls.Config)
	}{
		{
			name:   "default config",
			config: TLSConfig{},
			validate: func(cfg *tls.Config) {
				if cfg.MinVersion != tls.VersionTLS12 {
					t.Errorf("Expected MinVersion TLS 1.2, got %x", cfg.MinVersion)
				}
				if cfg.InsecureSkipVerify {
					t.Error("Expected secure verification by default")
				}
			},
		},
		{
			name: "TLS 1.3 only",
			config: TLSConfig{
				MinVersion: "1.3",
				MaxVersion: "1.3",
			},
			validate: func(cfg *tls.Config) {
				if cfg.MinVersion != tls.VersionTLS13 {
					t.Errorf("Expected MinVersion TLS 1.3, got %x", cfg.MinVersion)
				}
				if cfg.MaxVersion != tls.VersionTLS13 {
					t.Errorf("Expected MaxVersion TLS 1.3, got %x", cfg.MaxVersion)
				}
			},
		},
		{
			name: "insecure skip verify",
			config: TLSConfig{
				InsecureSkipVerify: true,
			},
			validate: func(cfg *tls.Config) {
				if !cfg.InsecureSkipVerify {
					t.Error("Expected InsecureSkipVerify to be true")
				}
			},
		},
		{
			name: "custom server name",
			config: TLSConfig{
				ServerName: "custom.example.com",
			},
			validate: func(cfg *tls.Config) {
				if cfg.ServerName != "custom.example.com" {
					t.Errorf("Expected ServerName 'custom.example.com', got %q", cfg.ServerName)
				}
			},
		},
		{
			name: "cipher suites",
			config: TLSConfig{
				CipherSuites: []string{"TLS_AES_256_GCM_SHA384", "TLS_CHACHA20_POLY1305_SHA256"},
			},
			validate: func(cfg *tls.Config) {
				if len(cfg.CipherSuites) != 2 {
					t.Errorf("Expected 2 cipher suites, got %d", len(cfg.CipherSuites))
				}
			},
		},
		{
			name: "invalid cipher suite",
			config: TLSConfig{
				CipherSuites: []string{"INVALID_CIPHER_SUITE"},
			},
			wantErr: true,
		},
		{
			name: "invalid min version",
			config: TLSConfig{
				MinVersion: "1.1",
			},
			wantErr: true,
		},
		{
			name: "missing ca file",
			config: TLSConfig{
				CACertFile: "/nonexistent/ca.pem",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.config.BuildTLSConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("TLSConfig.BuildTLSConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.validate != nil {
				tt.validate(cfg)
			}
		})
	}
}
