// Package tsp builds RFC 3161 time-stamp requests, sends them to a Time-Stamp
// Authority and parses just enough of requests and responses to check a
// stored proof.
//
// Requests always carry a SHA-512 message imprint, no nonce and certReq set:
//
//	TimeStampReq ::= SEQUENCE {
//	    version        INTEGER { v1(1) },
//	    messageImprint MessageImprint,
//	    certReq        BOOLEAN DEFAULT FALSE }
//
//	MessageImprint ::= SEQUENCE {
//	    hashAlgorithm  AlgorithmIdentifier,
//	    hashedMessage  OCTET STRING }
package tsp

import (
	"bytes"
	"crypto/sha512"
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// OIDSHA512 identifies id-sha512.
var OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

// MessageImprint is the hashed data a request asks the TSA to stamp.
type MessageImprint struct {
	HashAlgorithm asn1.ObjectIdentifier
	HashedMessage []byte
}

// Request is a parsed TimeStampReq.
type Request struct {
	Version        int64
	MessageImprint MessageImprint
	HasNonce       bool
	CertReq        bool
}

// BuildRequest returns the DER TimeStampReq for data.
func BuildRequest(data []byte) []byte {
	sum := sha512.Sum512(data)
	return buildRequest(OIDSHA512, sum[:])
}

func buildRequest(alg asn1.ObjectIdentifier, digest []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(req *cryptobyte.Builder) {
		req.AddASN1Int64(1)
		req.AddASN1(cbasn1.SEQUENCE, func(mi *cryptobyte.Builder) {
			mi.AddASN1(cbasn1.SEQUENCE, func(ai *cryptobyte.Builder) {
				ai.AddASN1ObjectIdentifier(alg)
				ai.AddASN1NULL()
			})
			mi.AddASN1OctetString(digest)
		})
		req.AddASN1Boolean(true)
	})
	// Only an unencodable OID can fail, and alg is always a valid constant.
	return b.BytesOrPanic()
}

// ParseRequest decodes a DER TimeStampReq.
func ParseRequest(der []byte) (*Request, error) {
	input := cryptobyte.String(der)
	var req cryptobyte.String
	if !input.ReadASN1(&req, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, malformed("TimeStampReq")
	}

	out := &Request{}
	if !req.ReadASN1Integer(&out.Version) {
		return nil, malformed("version")
	}

	var mi, ai cryptobyte.String
	if !req.ReadASN1(&mi, cbasn1.SEQUENCE) {
		return nil, malformed("messageImprint")
	}
	if !mi.ReadASN1(&ai, cbasn1.SEQUENCE) || !ai.ReadASN1ObjectIdentifier(&out.MessageImprint.HashAlgorithm) {
		return nil, malformed("hashAlgorithm")
	}
	if !ai.Empty() && !ai.SkipASN1(cbasn1.NULL) {
		return nil, malformed("hashAlgorithm parameters")
	}
	var digest cryptobyte.String
	if !mi.ReadASN1(&digest, cbasn1.OCTET_STRING) || !mi.Empty() {
		return nil, malformed("hashedMessage")
	}
	out.MessageImprint.HashedMessage = append([]byte(nil), digest...)

	if req.PeekASN1Tag(cbasn1.OBJECT_IDENTIFIER) && !req.SkipASN1(cbasn1.OBJECT_IDENTIFIER) {
		return nil, malformed("reqPolicy")
	}
	if req.PeekASN1Tag(cbasn1.INTEGER) {
		if !req.SkipASN1(cbasn1.INTEGER) {
			return nil, malformed("nonce")
		}
		out.HasNonce = true
	}
	if req.PeekASN1Tag(cbasn1.BOOLEAN) && !req.ReadASN1Boolean(&out.CertReq) {
		return nil, malformed("certReq")
	}
	if !req.SkipOptionalASN1(cbasn1.Tag(0).ContextSpecific().Constructed()) || !req.Empty() {
		return nil, malformed("extensions")
	}
	return out, nil
}

// Covers reports whether the request imprint is the SHA-512 digest of data.
func (r *Request) Covers(data []byte) bool {
	if !r.MessageImprint.HashAlgorithm.Equal(OIDSHA512) {
		return false
	}
	sum := sha512.Sum512(data)
	return bytes.Equal(r.MessageImprint.HashedMessage, sum[:])
}

func malformed(field string) error {
	return errs.Newf(errs.KindTimestamp, "parse timestamp request", "malformed %s", field)
}
