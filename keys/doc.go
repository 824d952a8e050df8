// Package keys loads and manages the supplier's signing material.
//
// It covers ECDSA P-256 keys in PEM form (SEC1 or PKCS#8 private keys,
// PKIX public keys), their JWK/JWKS export, the member credential document
// issued by the registry, and a small filesystem-backed key store used by
// the CLI to generate key pairs.
//
// Every read failure of a configured path is reported as an errs.KindReadFile
// error naming that path.
package keys
