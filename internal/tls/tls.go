// Package tls terminates the ops listener. Certificates come from
// explicit cert/key files or from a self-signed pair generated into a
// directory on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certName = "ops.crt"
	keyName  = "ops.key"

	selfSignedValidity = 5 * 365 * 24 * time.Hour
)

// Config selects how the ops listener terminates TLS. Zero value means
// plain HTTP.
type Config struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`

	// CertFile and KeyFile name an existing PEM pair. Both or neither.
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`

	// Dir receives a generated self-signed pair when no files are given.
	Dir string `toml:"dir" mapstructure:"dir"`
	// Hosts are the SANs for the generated certificate. Defaults to
	// localhost and 127.0.0.1.
	Hosts []string `toml:"hosts" mapstructure:"hosts"`

	// MinVersion accepts "1.2" or "1.3". Empty means 1.3.
	MinVersion string `toml:"min_version" mapstructure:"min_version"`
}

// Validate catches half-configured pairs at config load, before any
// listener is opened.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if _, ok := parseVersion(c.MinVersion); !ok {
		return fmt.Errorf("unknown TLS version %q", c.MinVersion)
	}
	return nil
}

// Build resolves the certificate source and returns a server-side TLS
// config. A self-signed pair is generated into Dir when no explicit
// files are configured and none was generated before.
func (c Config) Build() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		if c.Dir == "" {
			return nil, errors.New("tls enabled but neither cert files nor a directory configured")
		}
		certPath = filepath.Join(c.Dir, certName)
		keyPath = filepath.Join(c.Dir, keyName)
		if !pairExists(certPath, keyPath) {
			if err := os.MkdirAll(c.Dir, 0o700); err != nil {
				return nil, fmt.Errorf("tls dir: %w", err)
			}
			hosts := c.Hosts
			if len(hosts) == 0 {
				hosts = []string{"localhost", "127.0.0.1"}
			}
			if err := generateSelfSigned(certPath, keyPath, hosts, selfSignedValidity); err != nil {
				return nil, err
			}
		}
	}

	minVer, _ := parseVersion(c.MinVersion)
	return &tls.Config{
		GetCertificate: certificateFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// certificateFunc loads the pair on each handshake so a rotated
// certificate is picked up without a restart.
func certificateFunc(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return nil, err
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func parseVersion(v string) (uint16, bool) {
	switch strings.TrimSpace(v) {
	case "", "1.3", "tls1.3":
		return tls.VersionTLS13, true
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	default:
		return 0, false
	}
}

func pairExists(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
