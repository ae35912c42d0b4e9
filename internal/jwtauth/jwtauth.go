// Package jwtauth implements bearer-token verification directly on standard
// library crypto primitives; see DESIGN.md for the stdlib-fallback
// justification.
package jwtauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Header is the decoded JOSE header of a bearer token.
type Header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Type      string `json:"typ,omitempty"`
}

// Claim is the decoded JWT claim: {issuer, header, payload}.
type Claim struct {
	Issuer  string
	Header  Header
	Payload map[string]any
}

// KeySource resolves a signing key by kid against the registry-backed
// JWT_PUBLIC_SIGNING_KEYS table, and an issuer by kid against
// JWT_PUBLIC_SIGNING_KEY_ISSUER.
type KeySource interface {
	SigningKey(kid string) (crypto.PublicKey, bool)
	Issuer(kid string) (string, bool)
}

// ExtractBearer pulls the bearer token out of an Authorization header value.
// An empty or malformed header yields ok=false.
func ExtractBearer(authorizationHeader string) (token string, ok bool) {
	const prefix = "Bearer "
	trimmed := strings.TrimSpace(authorizationHeader)
	if !strings.HasPrefix(trimmed, prefix) {
		return "", false
	}
	token = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
	return token, token != ""
}

// Verify runs the JWT verification steps, returning the resolved Claim on
// success or a non-empty reason string on failure — callers translate a
// non-empty reason into a 401 response.
func Verify(token string, keys KeySource) (Claim, string) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claim{}, "JWT is malformed"
	}
	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return Claim{}, "JWT is malformed"
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Claim{}, "JWT is malformed"
	}

	key, ok := keys.SigningKey(header.KeyID)
	if !ok {
		return Claim{}, "JWT signing key not found"
	}

	signingInput := parts[0] + "." + parts[1]
	sig, err := decodeSegment(parts[2])
	if err != nil {
		return Claim{}, "JWT signature is invalid"
	}
	if err := verifySignature(header.Algorithm, key, []byte(signingInput), sig); err != nil {
		return Claim{}, "JWT signature is invalid"
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return Claim{}, "JWT is malformed"
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Claim{}, "JWT is malformed"
	}

	issuer, _ := keys.Issuer(header.KeyID)
	return Claim{Issuer: issuer, Header: header, Payload: payload}, ""
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(seg)
}

func verifySignature(alg string, key crypto.PublicKey, signingInput, sig []byte) error {
	switch strings.ToUpper(alg) {
	case "RS256":
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return errors.New("jwtauth: key is not RSA")
		}
		sum := sha256.Sum256(signingInput)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig)
	case "ES256":
		pub, ok := key.(*ecdsa.PublicKey)
		if !ok {
			return errors.New("jwtauth: key is not ECDSA")
		}
		sum := sha256.Sum256(signingInput)
		if !ecdsa.VerifyASN1(pub, sum[:], sig) {
			return errors.New("jwtauth: ecdsa signature invalid")
		}
		return nil
	case "EDDSA", "ED25519":
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return errors.New("jwtauth: key is not Ed25519")
		}
		if !ed25519.Verify(pub, signingInput, sig) {
			return errors.New("jwtauth: ed25519 signature invalid")
		}
		return nil
	default:
		return fmt.Errorf("jwtauth: unsupported algorithm %q", alg)
	}
}
