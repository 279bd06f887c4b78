// Package signing verifies the authority's signed credential pushes.
package signing

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/manifold-inc/manifold-sdk/lib/utils"
)

var ErrBadSignature = errors.New("payload signature verification failed")

// ParsePublicKey decodes a base64-wrapped PEM public key, the format the
// authority distributes its signing key in.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, utils.Wrap("public key is not valid base64", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("public key is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, utils.Wrap("failed parsing public key", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", pub)
	}
	return rsaKey, nil
}

// Verifier checks RSA-PSS signatures (SHA-256 digest, MGF1) over base64
// payloads and returns the decoded payload bytes when the signature holds.
type Verifier struct {
	key *rsa.PublicKey
}

func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

func (v *Verifier) Verify(data, signature string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, utils.Wrap("payload data is not valid base64", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, utils.Wrap("signature is not valid base64", err)
	}
	digest := sha256.Sum256(payload)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(v.key, crypto.SHA256, digest[:], sig, opts); err != nil {
		return nil, errors.Join(ErrBadSignature, err)
	}
	return payload, nil
}
