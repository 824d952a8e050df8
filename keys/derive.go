package keys

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"

	"github.com/MicahParks/jwkset"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/canonical"
)

// KeyID derives the RFC 7638 JWK thumbprint of pub.
//
// The thumbprint input is the canonical JSON of the required EC members
// (crv, kty, x, y), so the same key always yields the same kid.
func KeyID(pub *ecdsa.PublicKey) (string, error) {
	jwk, err := jwkset.NewJWKFromKey(pub, jwkset.JWKOptions{})
	if err != nil {
		return "", err
	}
	m := jwk.Marshal()
	b, err := canonical.Encode(map[string]string{
		"crv": m.CRV.String(),
		"kty": m.KTY.String(),
		"x":   m.X,
		"y":   m.Y,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
