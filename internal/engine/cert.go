package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// ensureClientCert loads cert/client.{crt,key}, generating a self-signed
// pair on first run. The keypair identifies this client to peers over TLS.
func ensureClientCert(dir string) (*tls.Config, error) {
	crtPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")

	if _, err := os.Stat(crtPath); os.IsNotExist(err) {
		if err := generateClientCert(crtPath, keyPath); err != nil {
			return nil, fmt.Errorf("engine: generate client cert: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(crtPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("engine: load client cert: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Peer certificates on the DC network are self-signed, so
		// chain verification is off; no keyprint check is made here.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

func generateClientCert(crtPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	tpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "godc client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageServerAuth,
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, &key.PublicKey, key)
	if err != nil {
		return err
	}

	crt, err := os.OpenFile(crtPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := pem.Encode(crt, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		crt.Close()
		return err
	}
	if err := crt.Close(); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	kf, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := pem.Encode(kf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		kf.Close()
		return err
	}
	return kf.Close()
}
