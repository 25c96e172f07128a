package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Signer holds the RSA key and certificate chain used for manifest signing.
// The chain is leaf first; it may be empty when only a bare key was loaded.
type Signer struct {
	key   *rsa.PrivateKey
	chain []*x509.Certificate
}

// Certificate returns the leaf certificate, or nil when the signer was
// loaded from a bare key.
func (s *Signer) Certificate() *x509.Certificate {
	if s == nil || len(s.chain) == 0 {
		return nil
	}
	return s.chain[0]
}

// NewSignerFromPEM builds a signer from a PEM private key and an optional
// PEM certificate bundle (leaf first).
func NewSignerFromPEM(keyPEM, certPEM []byte) (*Signer, error) {
	key, err := parseRSAPrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	s := &Signer{key: key}
	if len(certPEM) > 0 {
		chain, err := parseCertificateChainPEM(certPEM)
		if err != nil {
			return nil, err
		}
		s.chain = chain
	}
	return s, nil
}

// LoadSignerPEM reads the key and certificate files and builds a signer.
// certPath may be empty.
func LoadSignerPEM(keyPath, certPath string) (*Signer, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	var certPEM []byte
	if certPath != "" {
		certPEM, err = os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
	}
	return NewSignerFromPEM(keyPEM, certPEM)
}

// LoadSignerPKCS12 reads a PKCS#12 bundle and builds a signer from the key,
// leaf certificate and CA chain it contains.
func LoadSignerPKCS12(path, password string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pkcs12 bundle: %w", err)
	}
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12 bundle: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("pkcs12 bundle key is %T, want RSA", key)
	}
	chain := append([]*x509.Certificate{cert}, caCerts...)
	return &Signer{key: rsaKey, chain: chain}, nil
}

// ParseCertificatePEM decodes the first certificate in a PEM bundle.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no pem block in certificate input")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected pem block %q, want CERTIFICATE", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseCertificateChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificates in pem input")
	}
	return chain, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block in key input")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("pkcs8 key is %T, want RSA", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected pem block %q, want RSA PRIVATE KEY", block.Type)
	}
}
