package keys

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/MicahParks/jwkset"
)

// PublicJWK returns the signing JWK for pub: kty, crv, x, y plus
// alg=ES256, use=sig and the thumbprint kid.
func PublicJWK(pub *ecdsa.PublicKey) (jwkset.JWKMarshal, error) {
	if pub == nil {
		return jwkset.JWKMarshal{}, fmt.Errorf("missing public key")
	}
	kid, err := KeyID(pub)
	if err != nil {
		return jwkset.JWKMarshal{}, err
	}
	jwk, err := jwkset.NewJWKFromKey(pub, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.AlgES256,
			KID: kid,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return jwkset.JWKMarshal{}, fmt.Errorf("jwk: %w", err)
	}
	return jwk.Marshal(), nil
}

// JWKS renders a JWK Set holding the given public keys, in order.
func JWKS(pubs ...*ecdsa.PublicKey) ([]byte, error) {
	set := jwkset.JWKSMarshal{Keys: make([]jwkset.JWKMarshal, 0, len(pubs))}
	for _, pub := range pubs {
		m, err := PublicJWK(pub)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, m)
	}
	return json.MarshalIndent(set, "", "  ")
}
