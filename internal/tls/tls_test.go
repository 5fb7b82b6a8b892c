package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuildDisabled(t *testing.T) {
	cfg, err := Config{}.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg != nil {
		t.Fatalf("disabled config should build nil, got %+v", cfg)
	}
}

func TestValidateHalfPair(t *testing.T) {
	c := Config{Enabled: true, CertFile: "only.crt"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for cert without key")
	}
	c = Config{Enabled: true, KeyFile: "only.key"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for key without cert")
	}
}

func TestValidateVersion(t *testing.T) {
	good := []string{"", "1.2", "1.3", "tls1.2", "tls1.3"}
	for _, v := range good {
		if err := (Config{Enabled: true, Dir: "d", MinVersion: v}).Validate(); err != nil {
			t.Fatalf("version %q rejected: %v", v, err)
		}
	}
	if err := (Config{Enabled: true, Dir: "d", MinVersion: "ssl3"}).Validate(); err == nil {
		t.Fatalf("expected error for unknown version")
	}
}

func TestBuildSelfSigned(t *testing.T) {
	dir := t.TempDir()
	c := Config{Enabled: true, Dir: dir, Hosts: []string{"ops.internal", "10.0.0.7"}}

	cfg, err := c.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg == nil || cfg.GetCertificate == nil {
		t.Fatalf("expected a TLS config with a certificate source")
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("default MinVersion = %x, want TLS 1.3", cfg.MinVersion)
	}

	cert, err := cfg.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "ops.internal" {
		t.Fatalf("DNS names = %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "10.0.0.7" {
		t.Fatalf("IP SANs = %v", leaf.IPAddresses)
	}
	if time.Until(leaf.NotAfter) < 4*365*24*time.Hour {
		t.Fatalf("certificate expires too soon: %v", leaf.NotAfter)
	}

	// The generated pair must load as a standard keypair.
	if _, err := tls.LoadX509KeyPair(filepath.Join(dir, certName), filepath.Join(dir, keyName)); err != nil {
		t.Fatalf("LoadX509KeyPair: %v", err)
	}

	// A second build reuses the files instead of regenerating.
	before, err := os.ReadFile(filepath.Join(dir, certName))
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	if _, err := c.Build(); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	after, err := os.ReadFile(filepath.Join(dir, certName))
	if err != nil {
		t.Fatalf("read cert again: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("certificate was regenerated on second build")
	}
}

func TestBuildExplicitPair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "custom.crt")
	keyPath := filepath.Join(dir, "custom.key")
	if err := generateSelfSigned(certPath, keyPath, []string{"localhost"}, time.Hour); err != nil {
		t.Fatalf("generate: %v", err)
	}

	c := Config{Enabled: true, CertFile: certPath, KeyFile: keyPath, MinVersion: "1.2"}
	cfg, err := c.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if _, err := cfg.GetCertificate(nil); err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
}

func TestBuildMissingEverything(t *testing.T) {
	if _, err := (Config{Enabled: true}).Build(); err == nil {
		t.Fatalf("expected error when nothing is configured")
	}
}

func TestCertificateFuncReload(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "r.crt")
	keyPath := filepath.Join(dir, "r.key")
	if err := generateSelfSigned(certPath, keyPath, []string{"first"}, time.Hour); err != nil {
		t.Fatalf("generate: %v", err)
	}

	get := certificateFunc(certPath, keyPath)
	first, err := get(nil)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}

	// Rotate the pair on disk; the next handshake sees the new leaf.
	if err := generateSelfSigned(certPath, keyPath, []string{"second"}, time.Hour); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	second, err := get(nil)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	name := func(c *tls.Certificate) string {
		leaf, err := x509.ParseCertificate(c.Certificate[0])
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(leaf.DNSNames) != 1 {
			t.Fatalf("DNS names = %v", leaf.DNSNames)
		}
		return leaf.DNSNames[0]
	}
	if name(first) != "first" || name(second) != "second" {
		t.Fatalf("rotation not picked up: %s then %s", name(first), name(second))
	}
}

func TestGeneratedKeyIsPKCS8(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "k.crt")
	keyPath := filepath.Join(dir, "k.key")
	if err := generateSelfSigned(certPath, keyPath, []string{"localhost"}, time.Hour); err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "PRIVATE KEY" {
		t.Fatalf("expected PKCS8 PRIVATE KEY block, got %v", block)
	}
	if _, err := x509.ParsePKCS8PrivateKey(block.Bytes); err != nil {
		t.Fatalf("ParsePKCS8PrivateKey: %v", err)
	}
}
