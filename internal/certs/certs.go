// Package certs manages the agent's TLS material: a self-signed server key
// and certificate generated on first start when none are present.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	keyFileName  = "server.key"
	certFileName = "server.crt"

	validity = 10 * 365 * 24 * time.Hour
)

// Check returns the key and certificate paths under dir, generating a fresh
// self-signed pair when either file is missing. A stale half is removed
// before regeneration.
func Check(dir string) (keyPath, certPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	keyPath = filepath.Join(dir, keyFileName)
	certPath = filepath.Join(dir, certFileName)

	if fileExists(keyPath) && fileExists(certPath) {
		return keyPath, certPath, nil
	}

	log.Warn().Str("dir", dir).Msg("no certs found, generating new ones")
	log.Warn().Msg("self-signed certificates are not trusted by browsers and operating systems; use certificates issued by a trusted CA instead")

	_ = os.Remove(keyPath)
	_ = os.Remove(certPath)
	if err := Generate(dir); err != nil {
		return "", "", err
	}
	return keyPath, certPath, nil
}

// Generate writes a 2048-bit RSA self-signed server certificate valid for
// ten years, CN set to the hostname.
func Generate(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	log.Debug().Str("dir", dir).Msg("generating self-signed certs")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "makinet-agent"
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1000),
		Subject: pkix.Name{
			Country:            []string{"IT"},
			Province:           []string{"Makinet"},
			Locality:           []string{"Makinet"},
			Organization:       []string{"Makinet"},
			OrganizationalUnit: []string{"Makinet"},
			CommonName:         hostname,
		},
		NotBefore: now,
		NotAfter:  now.Add(validity),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}

	if err := writePEM(filepath.Join(dir, keyFileName), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return err
	}
	if err := writePEM(filepath.Join(dir, certFileName), "CERTIFICATE", der, 0o644); err != nil {
		return err
	}

	log.Debug().Str("dir", dir).Msg("generated self-signed certs")
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, mode)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
