package regmirror

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds optional TLS settings for outbound HTTPS connections to
// the change feed, the resolver, and artifact sources.
type TLSConfig struct {
	CACertFile         string   `toml:"ca_cert_file"`
	ClientCertFile     string   `toml:"client_cert_file"`
	ClientKeyFile      string   `toml:"client_key_file"`
	MinVersion         string   `toml:"min_version"`
	MaxVersion         string   `toml:"max_version"`
	ServerName         string   `toml:"server_name"`
	CipherSuites       []string `toml:"cipher_suites"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
}

func parseTLSVersion(s string) (uint16, error) {
	switch s {
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.New("unsupported TLS version: " + s)
	}
}

// Validate checks the configuration for internal consistency without
// touching the filesystem.
func (c *TLSConfig) Validate() error {
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	var minVer, maxVer uint16
	var err error
	if c.MinVersion != "" {
		if minVer, err = parseTLSVersion(c.MinVersion); err != nil {
			return err
		}
	}
	if c.MaxVersion != "" {
		if maxVer, err = parseTLSVersion(c.MaxVersion); err != nil {
			return err
		}
	}
	if minVer != 0 && maxVer != 0 && minVer > maxVer {
		return errors.New("min_version cannot be greater than max_version")
	}
	return nil
}

// BuildTLSConfig converts the configuration into a *tls.Config.  TLS 1.2
// is the floor when no minimum is configured.
func (c *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - explicit operator opt-in
	}

	if c.MinVersion != "" {
		v, err := parseTLSVersion(c.MinVersion)
		if err != nil {
			return nil, err
		}
		cfg.MinVersion = v
	}
	if c.MaxVersion != "" {
		v, err := parseTLSVersion(c.MaxVersion)
		if err != nil {
			return nil, err
		}
		cfg.MaxVersion = v
	}

	for _, name := range c.CipherSuites {
		id, err := cipherSuiteID(name)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}

	if c.CACertFile != "" {
		pem, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "read ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in " + c.CACertFile)
		}
		cfg.RootCAs = pool
	}

	if c.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func cipherSuiteID(name string) (uint16, error) {
	for _, s := range tls.CipherSuites() {
		if s.Name == name {
			return s.ID, nil
		}
	}
	return 0, errors.New("unknown cipher suite: " + name)
}
