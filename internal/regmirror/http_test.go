package regmirror

import (
	"crypto/tls"
	"net/http"
	"testing"
)

func TestNewHTTPClientAppliesTLSConfig(t *testing.T) {
	t.Parallel()

	client, err := newHTTPClient(&TLSConfig{MinVersion: "1.3", ServerName: "mirror.example.com"})
	if err != nil {
		t.Fatal("newHTTPClient failed:", err)
	}
	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("unexpected transport type")
	}
	if tr.TLSClientConfig == nil || tr.TLSClientConfig.MinVersion != tls.VersionTLS13 {
		t.Error("TLS settings not applied to transport")
	}
	if tr.TLSClientConfig.ServerName != "mirror.example.com" {
		t.Error("server name not applied:", tr.TLSClientConfig.ServerName)
	}
}

func TestNewHTTPClientRejectsBrokenTLSConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  TLSConfig
	}{
		{"invalid version range", TLSConfig{MinVersion: "1.3", MaxVersion: "1.2"}},
		{"missing client key", TLSConfig{ClientCertFile: "cert.pem"}},
		{"missing ca file", TLSConfig{CACertFile: "/nonexistent/ca.pem"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A hardened connection must not silently degrade to defaults.
			if _, err := newHTTPClient(&tt.cfg); err == nil {
				t.Error("broken TLS config accepted")
			}
		})
	}
}
