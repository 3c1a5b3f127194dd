package rpc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Identity is a self-signed certificate along with its fingerprint.
type Identity struct {
	Certificate tls.Certificate
	Fingerprint string
}

// Fingerprint returns the hex sha256 of a DER-encoded certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// LoadIdentity loads the certificate stored under dir/tls, generating a new one if it is missing or unreadable.
// The fingerprint file is informational and is rewritten whenever it's missing.
func LoadIdentity(dir string) (*Identity, error) {
	dir = filepath.Join(dir, "tls")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	var (
		certFile        = filepath.Join(dir, "cert.pem")
		keyFile         = filepath.Join(dir, "key.pem")
		fingerprintFile = filepath.Join(dir, "fingerprint.txt")
	)

	id, err := readIdentity(certFile, keyFile)
	if err != nil {
		certPem, keyPem, err := genCert()
		if err != nil {
			return nil, fmt.Errorf("generating cert: %w", err)
		}
		if err := os.WriteFile(certFile, certPem, 0644); err != nil {
			return nil, fmt.Errorf("writing cert: %w", err)
		}
		if err := os.WriteFile(keyFile, keyPem, 0600); err != nil {
			return nil, fmt.Errorf("writing key: %w", err)
		}
		if id, err = readIdentity(certFile, keyFile); err != nil {
			return nil, err
		}
	}

	if existing, err := os.ReadFile(fingerprintFile); err != nil || strings.TrimSpace(string(existing)) != id.Fingerprint {
		if err := os.WriteFile(fingerprintFile, []byte(id.Fingerprint+"\n"), 0644); err != nil {
			return nil, fmt.Errorf("writing fingerprint: %w", err)
		}
	}
	return id, nil
}

func readIdentity(certFile, keyFile string) (*Identity, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	return &Identity{Certificate: cert, Fingerprint: Fingerprint(cert.Leaf.Raw)}, nil
}

func genCert() ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "warden"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour * 24 * 3650),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})
	return certPem, keyPem, nil
}
