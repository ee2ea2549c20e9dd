package worker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds the TLS settings for talking to the scheduler.
type TLSConfig struct {
	// CACertPath is a PEM-encoded CA certificate added to the trust pool.
	CACertPath string

	// InsecureSkipVerify disables certificate verification. Testing only.
	InsecureSkipVerify bool
}

// BuildTLSConfig creates a *tls.Config from the settings.
// Returns nil if no custom TLS configuration is needed.
func (c TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if c.InsecureSkipVerify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if c.CACertPath == "" {
		return nil, nil
	}

	caCert, err := os.ReadFile(c.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.CACertPath, err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert %s", c.CACertPath)
	}
	return &tls.Config{RootCAs: certPool}, nil
}
