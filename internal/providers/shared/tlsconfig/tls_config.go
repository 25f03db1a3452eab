package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
)

// Material is the PEM data named by a TLS block. Clients that take raw
// bytes (client-go, go-git) consume it directly.
type Material struct {
	CAData             []byte
	CertData           []byte
	KeyData            []byte
	InsecureSkipVerify bool
}

// HasClientCertificate reports whether a client key pair was configured.
func (m Material) HasClientCertificate() bool {
	return len(m.CertData) > 0
}

// Load reads and checks the files referenced by tlsSettings. scope prefixes
// error messages, for example "fabrics[0].fabric".
func Load(tlsSettings *config.TLS, scope string) (Material, error) {
	if tlsSettings == nil {
		return Material{}, nil
	}

	material := Material{InsecureSkipVerify: tlsSettings.InsecureSkipVerify}

	if caFile := strings.TrimSpace(tlsSettings.CACertFile); caFile != "" {
		caBytes, err := os.ReadFile(caFile)
		if err != nil {
			return Material{}, validationError(fmt.Sprintf("%s.tls.ca-cert-file could not be read", scope), err)
		}
		if ok := x509.NewCertPool().AppendCertsFromPEM(caBytes); !ok {
			return Material{}, validationError(fmt.Sprintf("%s.tls.ca-cert-file is not valid PEM", scope), nil)
		}
		material.CAData = caBytes
	}

	clientCertFile := strings.TrimSpace(tlsSettings.ClientCertFile)
	clientKeyFile := strings.TrimSpace(tlsSettings.ClientKeyFile)
	if (clientCertFile == "") != (clientKeyFile == "") {
		return Material{}, validationError(
			fmt.Sprintf("%s.tls requires both client-cert-file and client-key-file", scope),
			nil,
		)
	}
	if clientCertFile == "" {
		return material, nil
	}

	certBytes, err := os.ReadFile(clientCertFile)
	if err != nil {
		return Material{}, validationError(fmt.Sprintf("%s.tls.client-cert-file could not be read", scope), err)
	}
	keyBytes, err := os.ReadFile(clientKeyFile)
	if err != nil {
		return Material{}, validationError(fmt.Sprintf("%s.tls.client-key-file could not be read", scope), err)
	}
	if _, err := tls.X509KeyPair(certBytes, keyBytes); err != nil {
		return Material{}, validationError(fmt.Sprintf("%s.tls client certificate pair is invalid", scope), err)
	}
	material.CertData = certBytes
	material.KeyData = keyBytes
	return material, nil
}

// BuildTLSConfig returns a client tls.Config for tlsSettings, or nil when
// no TLS block is configured.
func BuildTLSConfig(tlsSettings *config.TLS, scope string) (*tls.Config, error) {
	if tlsSettings == nil {
		return nil, nil
	}
	material, err := Load(tlsSettings, scope)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: material.InsecureSkipVerify,
	}
	if len(material.CAData) > 0 {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(material.CAData)
		tlsConfig.RootCAs = pool
	}
	if material.HasClientCertificate() {
		certificate, err := tls.X509KeyPair(material.CertData, material.KeyData)
		if err != nil {
			return nil, validationError(fmt.Sprintf("%s.tls client certificate pair is invalid", scope), err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}
	return tlsConfig, nil
}

func validationError(message string, cause error) error {
	return faults.NewTypedError(faults.ValidationError, message, cause)
}
