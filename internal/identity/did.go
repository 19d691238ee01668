// Package identity resolves DIDs to documents and handles to DIDs.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// Document is the subset of a DID document the indexer consumes.
type Document struct {
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Service            []Service            `json:"service"`
}

type VerificationMethod struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Controller   string `json:"controller"`
	PublicKeyJwk *JWK   `json:"publicKeyJwk,omitempty"`
}

// JWK is an elliptic curve public key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Handle returns the claimed handle (lowercased) or "" when the document claims none.
func (d *Document) Handle() string {
	for _, aka := range d.AlsoKnownAs {
		if h, ok := strings.CutPrefix(aka, "at://"); ok && h != "" {
			return strings.ToLower(h)
		}
	}
	return ""
}

// PDSEndpoint returns the personal data server hosting the repository, or "".
func (d *Document) PDSEndpoint() string {
	for _, s := range d.Service {
		if s.ID == "#atproto_pds" || s.ID == d.ID+"#atproto_pds" {
			return strings.TrimRight(s.ServiceEndpoint, "/")
		}
	}
	return ""
}

// SigningKey returns the repository signing key.
func (d *Document) SigningKey() (*ecdsa.PublicKey, error) {
	for _, vm := range d.VerificationMethod {
		if vm.ID != "#atproto" && vm.ID != d.ID+"#atproto" {
			continue
		}
		if vm.PublicKeyJwk == nil {
			return nil, fmt.Errorf("signing key of %s has no jwk", d.ID)
		}
		return vm.PublicKeyJwk.PublicKey()
	}
	return nil, fmt.Errorf("no signing key in %s", d.ID)
}

// PublicKey decodes a P-256 JWK.
func (k *JWK) PublicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("jwk x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("jwk y: %w", err)
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("jwk point is not on P-256")
	}
	return pub, nil
}

// NewJWK encodes a P-256 public key.
func NewJWK(pub *ecdsa.PublicKey) *JWK {
	size := (pub.Curve.Params().BitSize + 7) / 8
	return &JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, size))),
		Y:   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, size))),
	}
}
