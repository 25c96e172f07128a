// Package crypto implements detached JWS (RS256) signing and verification
// for artifact manifests, plus signer credential loading from PEM files and
// PKCS#12 bundles.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// JWS is a detached JSON Web Signature in flattened serialization. Payload
// carries the signed content base64url-encoded so the signature file is
// self-describing, but verification always runs against the caller-supplied
// detached bytes.
type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

var (
	ErrPayloadMismatch = errors.New("jws: payload does not match detached content")
	ErrNoCertificate   = errors.New("jws: protected header carries no x5c certificate")
)

type joseHeader struct {
	Alg string   `json:"alg"`
	Typ string   `json:"typ"`
	X5C []string `json:"x5c,omitempty"`
}

// Sign produces a detached JWS over payload. When the signer carries a
// certificate chain it is embedded in the protected header as x5c, leaf
// first, so verifiers can recover the signer identity from the signature
// alone.
func (s *Signer) Sign(payload []byte) (JWS, error) {
	if s == nil || s.key == nil {
		return JWS{}, errors.New("jws: signer has no private key")
	}
	hdr := joseHeader{Alg: "RS256", Typ: "JWT"}
	for _, c := range s.chain {
		hdr.X5C = append(hdr.X5C, base64.StdEncoding.EncodeToString(c.Raw))
	}
	hb, err := json.Marshal(hdr)
	if err != nil {
		return JWS{}, fmt.Errorf("marshal header: %w", err)
	}
	protected := base64.RawURLEncoding.EncodeToString(hb)
	pl := base64.RawURLEncoding.EncodeToString(payload)

	h := sha256.Sum256([]byte(protected + "." + pl))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, h[:])
	if err != nil {
		return JWS{}, fmt.Errorf("sign: %w", err)
	}
	return JWS{
		Protected: protected,
		Payload:   pl,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// SignDetachedJWS signs payload with an RSA private key in PEM form.
func SignDetachedJWS(payload []byte, privateKeyPEM []byte) (JWS, error) {
	s, err := NewSignerFromPEM(privateKeyPEM, nil)
	if err != nil {
		return JWS{}, err
	}
	return s.Sign(payload)
}

// ParseDetachedJWS decodes the flattened JSON serialization of a signature.
func ParseDetachedJWS(data []byte) (JWS, error) {
	var sig JWS
	if err := json.Unmarshal(data, &sig); err != nil {
		return JWS{}, fmt.Errorf("parse jws: %w", err)
	}
	if sig.Protected == "" || sig.Signature == "" {
		return JWS{}, errors.New("jws: missing protected header or signature")
	}
	return sig, nil
}

// VerifyDetachedJWS checks sig against the detached payload using the signer
// certificate in PEM form.
func VerifyDetachedJWS(payload []byte, sig JWS, certPEM []byte) error {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	return verifyWithCert(payload, sig, cert)
}

// VerifyDetachedJWSWithX5C verifies sig using the certificate chain embedded
// in its protected header. The chain must terminate at one of the roots in
// pool. It returns the leaf certificate that produced the signature.
func VerifyDetachedJWSWithX5C(payload []byte, sig JWS, pool *x509.CertPool) (*x509.Certificate, error) {
	hdr, err := decodeHeader(sig.Protected)
	if err != nil {
		return nil, err
	}
	if len(hdr.X5C) == 0 {
		return nil, ErrNoCertificate
	}
	chain := make([]*x509.Certificate, 0, len(hdr.X5C))
	for i, enc := range hdr.X5C {
		der, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c[%d]: %w", i, err)
		}
		chain = append(chain, cert)
	}
	opts := x509.VerifyOptions{Roots: pool, Intermediates: x509.NewCertPool()}
	for _, c := range chain[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := chain[0].Verify(opts); err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}
	if err := verifyWithCert(payload, sig, chain[0]); err != nil {
		return nil, err
	}
	return chain[0], nil
}

// SignerCertificate extracts the leaf certificate from the x5c protected
// header without verifying the chain.
func SignerCertificate(sig JWS) (*x509.Certificate, error) {
	hdr, err := decodeHeader(sig.Protected)
	if err != nil {
		return nil, err
	}
	if len(hdr.X5C) == 0 {
		return nil, ErrNoCertificate
	}
	der, err := base64.StdEncoding.DecodeString(hdr.X5C[0])
	if err != nil {
		return nil, fmt.Errorf("decode x5c[0]: %w", err)
	}
	return x509.ParseCertificate(der)
}

func verifyWithCert(payload []byte, sig JWS, cert *x509.Certificate) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("jws: certificate public key is not RSA")
	}
	hdr, err := decodeHeader(sig.Protected)
	if err != nil {
		return err
	}
	if hdr.Alg != "RS256" {
		return fmt.Errorf("jws: unsupported algorithm %q", hdr.Alg)
	}
	pl := base64.RawURLEncoding.EncodeToString(payload)
	if sig.Payload != "" && sig.Payload != pl {
		return ErrPayloadMismatch
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	h := sha256.Sum256([]byte(sig.Protected + "." + pl))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], raw); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	return nil
}

func decodeHeader(protected string) (joseHeader, error) {
	hb, err := base64.RawURLEncoding.DecodeString(protected)
	if err != nil {
		return joseHeader{}, fmt.Errorf("decode protected header: %w", err)
	}
	var hdr joseHeader
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return joseHeader{}, fmt.Errorf("parse protected header: %w", err)
	}
	return hdr, nil
}
