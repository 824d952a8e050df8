package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// GenerateP256 returns a new ECDSA P-256 private key.
func GenerateP256(rand io.Reader) (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand)
}

// LoadPrivateKey reads an EC private key PEM file.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.ReadFile(path, err)
	}
	key, err := ParsePrivateKeyPEM(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// LoadPublicKey reads a PKIX public key PEM file.
func LoadPublicKey(path string) (*ecdsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.ReadFile(path, err)
	}
	key, err := ParsePublicKeyPEM(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// ParsePrivateKeyPEM accepts "EC PRIVATE KEY" (SEC1) and "PRIVATE KEY"
// (PKCS#8) blocks holding a P-256 key.
func ParsePrivateKeyPEM(b []byte) (*ecdsa.PrivateKey, error) {
	block, err := firstBlock(b, "EC PRIVATE KEY", "PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, errs.Wrap(errs.KindSigning, "parse private key", "invalid SEC1 key", err)
		}
	default:
		parsed, perr := x509.ParsePKCS8PrivateKey(block.Bytes)
		if perr != nil {
			return nil, errs.Wrap(errs.KindSigning, "parse private key", "invalid PKCS#8 key", perr)
		}
		var ok bool
		key, ok = parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errs.Newf(errs.KindSigning, "parse private key", "expected ECDSA key, got %T", parsed)
		}
	}
	if key.Curve != elliptic.P256() {
		return nil, errs.Newf(errs.KindSigning, "parse private key", "expected P-256, got %s", key.Curve.Params().Name)
	}
	return key, nil
}

// ParsePublicKeyPEM accepts a "PUBLIC KEY" block holding a P-256 key.
func ParsePublicKeyPEM(b []byte) (*ecdsa.PublicKey, error) {
	block, err := firstBlock(b, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindSigning, "parse public key", "invalid PKIX key", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errs.Newf(errs.KindSigning, "parse public key", "expected ECDSA key, got %T", parsed)
	}
	if key.Curve != elliptic.P256() {
		return nil, errs.Newf(errs.KindSigning, "parse public key", "expected P-256, got %s", key.Curve.Params().Name)
	}
	return key, nil
}

// EncodePrivateKeyPEM returns the SEC1 PEM form of key.
func EncodePrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM returns the PKIX PEM form of key.
func EncodePublicKeyPEM(key *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func firstBlock(b []byte, types ...string) (*pem.Block, error) {
	rest := b
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errs.Newf(errs.KindSigning, "parse pem", "no %s block found", strings.Join(types, " or "))
		}
		for _, t := range types {
			if block.Type == t {
				return block, nil
			}
		}
	}
}
