// Package jws signs declaration payloads as compact JWS tokens (ES256) and
// verifies them.
//
// The protected header embeds the signer's public key as a JWK so a verifier
// needs no out-of-band key exchange. The signed bytes are the JSON encoding
// of the claims produced by the JWT library itself, not the canonical
// encoding used for CIDs.
package jws

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/keys"
)

// HeaderJWK is the protected header parameter carrying the public key.
const HeaderJWK = "jwk"

// Signer produces ES256 tokens with an embedded JWK.
type Signer struct {
	priv *ecdsa.PrivateKey
	jwk  jwkset.JWKMarshal
}

// NewSigner binds a private key to its public key. pub may be nil, in which
// case it is derived from priv; otherwise it must match priv.
func NewSigner(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) (*Signer, error) {
	if priv == nil {
		return nil, errs.New(errs.KindSigning, "new signer", "missing private key")
	}
	if priv.Curve != elliptic.P256() {
		return nil, errs.New(errs.KindSigning, "new signer", "ES256 requires a P-256 key")
	}
	if pub == nil {
		pub = &priv.PublicKey
	} else if !pub.Equal(&priv.PublicKey) {
		return nil, errs.New(errs.KindSigning, "new signer", "public key does not match private key")
	}
	jwk, err := keys.PublicJWK(pub)
	if err != nil {
		return nil, errs.Wrap(errs.KindSigning, "new signer", "cannot express public key as JWK", err)
	}
	return &Signer{priv: priv, jwk: jwk}, nil
}

// KeyID returns the kid placed in every token header.
func (s *Signer) KeyID() string { return s.jwk.KID }

// PublicJWK returns the embedded JWK.
func (s *Signer) PublicJWK() jwkset.JWKMarshal { return s.jwk }

// Sign returns the compact serialization of payload signed with ES256.
func (s *Signer) Sign(payload map[string]any) (string, error) {
	if payload == nil {
		return "", errs.New(errs.KindSigning, "sign", "nil payload")
	}
	if _, err := json.Marshal(payload); err != nil {
		return "", errs.Wrap(errs.KindSigning, "sign", "payload cannot be serialized", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(payload))
	token.Header[jwkset.HeaderKID] = s.jwk.KID
	token.Header[HeaderJWK] = s.jwk
	signed, err := token.SignedString(s.priv)
	if err != nil {
		return "", errs.Wrap(errs.KindSigning, "sign", "ES256 signing failed", err)
	}
	return signed, nil
}

// Verified is the result of a successful verification.
type Verified struct {
	Claims map[string]any
	KeyID  string
}

// Verify checks token against the JWK embedded in its own header.
func Verify(token string) (*Verified, error) {
	return verify(token, embeddedKey)
}

// SetVerifier checks tokens against a pinned JWK Set.
type SetVerifier struct {
	kf keyfunc.Keyfunc
}

// NewSetVerifier parses a JWK Set document.
func NewSetVerifier(jwks []byte) (*SetVerifier, error) {
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		return nil, errs.Wrap(errs.KindSigning, "load jwks", "invalid JWK Set", err)
	}
	return &SetVerifier{kf: kf}, nil
}

// Verify checks token against the pinned keys only; an embedded JWK is
// ignored.
func (v *SetVerifier) Verify(token string) (*Verified, error) {
	return verify(token, v.kf.Keyfunc)
}

func verify(token string, kf jwt.Keyfunc) (*Verified, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithJSONNumber(),
	)
	parsed, err := parser.ParseWithClaims(token, jwt.MapClaims{}, kf)
	if err != nil {
		return nil, errs.Wrap(errs.KindSigning, "verify", "invalid signature token", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errs.New(errs.KindSigning, "verify", "unexpected claims type")
	}
	kid, _ := parsed.Header[jwkset.HeaderKID].(string)
	return &Verified{Claims: map[string]any(claims), KeyID: kid}, nil
}

func embeddedKey(token *jwt.Token) (any, error) {
	raw, ok := token.Header[HeaderJWK]
	if !ok {
		return nil, errs.New(errs.KindSigning, "verify", "token header has no jwk")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	kf, err := keyfunc.NewJWKJSON(b)
	if err != nil {
		return nil, err
	}
	return kf.Keyfunc(token)
}
