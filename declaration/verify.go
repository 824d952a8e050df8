package declaration

import (
	"fmt"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/cidutil"
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/jws"
)

// TokenVerifier checks a signature token. jws.Verify and
// (*jws.SetVerifier).Verify both satisfy it.
type TokenVerifier func(token string) (*jws.Verified, error)

// Check is one line of a verification report.
type Check struct {
	Name    string
	OK      bool
	Skipped bool
	Detail  string
}

// Report lists the checks run against an envelope.
type Report struct {
	DeclarationID string
	Checks        []Check
}

// OK reports whether no check failed.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK && !c.Skipped {
			return false
		}
	}
	return true
}

func (r *Report) add(name string, err error, detail string) {
	c := Check{Name: name, OK: err == nil, Detail: detail}
	if err != nil {
		c.Detail = err.Error()
	}
	r.Checks = append(r.Checks, c)
}

// VerifyEnvelope checks both signatures, the payload CID, the declaration
// id and every time-stamp proof of env. A dry-run envelope carries no
// proofs; its time-stamp check is reported as skipped.
func VerifyEnvelope(env *Envelope, verify TokenVerifier) *Report {
	r := &Report{DeclarationID: env.MetaInternal.DeclarationID}

	payloadCID, err := cidutil.BuildCID(env.DeclarationMetadata.PublicMetadata)
	if err == nil && payloadCID != env.MetaInternal.CID {
		err = fmt.Errorf("payload hashes to %s, envelope claims %s", payloadCID, env.MetaInternal.CID)
	}
	r.add("payload cid", err, payloadCID)

	declID, err := DeclarationID(DefaultIDVersion, DefaultRegistryID, env.MetaInternal.CID)
	if err == nil && declID != env.MetaInternal.DeclarationID {
		err = fmt.Errorf("cid derives %s, envelope claims %s", declID, env.MetaInternal.DeclarationID)
	}
	r.add("declaration id", err, declID)

	r.Checks = append(r.Checks,
		signatureCheck("public signature", env.Signature, env.DeclarationMetadata.PublicMetadata, verify),
		signatureCheck("registry signature", env.CommonsDBRegistrySignature, env.DeclarationMetadata.CommonsDBRegistry, verify))

	proofs, err := env.Proofs()
	switch {
	case err != nil:
		r.add("timestamps", err, "")
	case len(proofs) == 0:
		r.Checks = append(r.Checks, Check{Name: "timestamps", Skipped: true, Detail: "no time-stamp proofs (dry run)"})
	}
	for _, sp := range proofs {
		name := "registry timestamp"
		if sp.Signature == env.Signature {
			name = "public timestamp"
		}
		status, err := sp.Proof.Check([]byte(sp.Signature))
		r.add(name, err, status.String())
	}
	return r
}

// signatureCheck verifies token and that its claims are exactly payload.
func signatureCheck(name, token string, payload map[string]any, verify TokenVerifier) Check {
	fail := func(err error) Check { return Check{Name: name, Detail: err.Error()} }
	v, err := verify(token)
	if err != nil {
		return fail(err)
	}
	signed, err := cidutil.BuildCID(v.Claims)
	if err != nil {
		return fail(err)
	}
	want, err := cidutil.BuildCID(payload)
	if err != nil {
		return fail(err)
	}
	if signed != want {
		return fail(fmt.Errorf("signed claims differ from the envelope payload"))
	}
	return Check{Name: name, OK: true, Detail: "kid " + v.KeyID}
}
