package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// SelfSigned describes a self-signed certificate for the local status API.
type SelfSigned struct {
	CommonName  string   // default "localhost"
	DNSNames    []string // default localhost
	IPAddresses []string // default 127.0.0.1 and ::1
	ValidFor    time.Duration
	CertPath    string
	KeyPath     string
	CACertPath  string // optional copy of the certificate for clients
}

// GenerateSelfSigned writes a P-256 key and a self-signed server certificate.
func GenerateSelfSigned(s SelfSigned) error {
	if s.CommonName == "" {
		s.CommonName = "localhost"
	}
	if len(s.DNSNames) == 0 {
		s.DNSNames = []string{"localhost"}
	}
	if len(s.IPAddresses) == 0 {
		s.IPAddresses = []string{"127.0.0.1", "::1"}
	}
	if s.ValidFor <= 0 {
		s.ValidFor = 5 * 365 * 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: s.CommonName, Organization: []string{"agentvisor"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(s.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              s.DNSNames,
	}
	for _, ipStr := range s.IPAddresses {
		if ip := net.ParseIP(ipStr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(s.CertPath, "CERTIFICATE", certDER, 0o644); err != nil {
		return err
	}
	if err := writePEM(s.KeyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	if s.CACertPath != "" {
		if err := writePEM(s.CACertPath, "CERTIFICATE", certDER, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	b := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, b, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
