package pubsub

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/resident-x/go-mmgbridge/internal/config"
)

var tlsVersions = map[string]uint16{
	"tlsv1":   tls.VersionTLS10,
	"tlsv1.1": tls.VersionTLS11,
	"tlsv1.2": tls.VersionTLS12,
	"tlsv1.3": tls.VersionTLS13,
}

// TLSVersion maps an openmmg tls_version name to a crypto/tls constant.
// An empty name means TLS 1.2.
func TLSVersion(name string) (uint16, error) {
	if name == "" {
		return tls.VersionTLS12, nil
	}
	v, ok := tlsVersions[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unsupported tls_version %q", name)
	}
	return v, nil
}

// NewTLSConfig builds the client TLS settings from the MQTT config.
func NewTLSConfig(cfg *config.MQTTConfig) (*tls.Config, error) {
	version, err := TLSVersion(cfg.TLSVersion)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         version,
		ServerName:         cfg.Host,
		InsecureSkipVerify: !cfg.VerifyCACert, //nolint:gosec // verify_ca_cert: false
	}

	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertPath != "" || cfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
