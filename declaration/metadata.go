package declaration

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58/base58"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// Input describes one work to declare.
type Input struct {
	Name            string
	Fingerprint     string
	Location        string
	RightsStatement string
	// Supersedes is the registered CID this declaration replaces.
	Supersedes string
	// Extra public metadata fields, e.g. "thumbnail". Extra never overrides
	// a key assembled by the submitter.
	Extra map[string]any
}

func (in Input) validate() error {
	var missing []string
	if in.Name == "" {
		missing = append(missing, "name")
	}
	if in.Fingerprint == "" {
		missing = append(missing, "iscc")
	}
	if in.Location == "" {
		missing = append(missing, "location")
	}
	if in.RightsStatement == "" {
		missing = append(missing, "rightsStatement")
	}
	if len(missing) > 0 {
		return errs.Newf(errs.KindMetadata, "submit", "declaration input is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

var reservedPublicKeys = map[string]struct{}{
	"$schema": {}, "@context": {}, "declarerId": {}, "iscc": {}, "name": {},
	"version": {}, "timestamp": {}, "credentials": {}, "supplierData": {},
	"supersedes": {},
}

// publicMetadata is the full payload published with the declaration.
func (s *Submitter) publicMetadata(in Input, timestamp int64) map[string]any {
	m := make(map[string]any, 10+len(in.Extra))
	for k, v := range in.Extra {
		if _, ok := reservedPublicKeys[k]; !ok {
			m[k] = v
		}
	}
	m["$schema"] = s.opts.SchemaURL
	m["@context"] = s.opts.ContextURL
	m["declarerId"] = s.declarerID()
	m["iscc"] = in.Fingerprint
	m["name"] = in.Name
	m["version"] = s.opts.MetadataVersion
	m["timestamp"] = timestamp
	m["credentials"] = []any{s.cred.Document}
	m["supplierData"] = map[string]any{
		"location":        in.Location,
		"rightsStatement": in.RightsStatement,
	}
	if in.Supersedes != "" {
		m["supersedes"] = in.Supersedes
	}
	return m
}

// registryMetadata is the reduced record kept by the registry itself.
func (s *Submitter) registryMetadata(in Input, timestamp int64) map[string]any {
	return map[string]any{
		"location":        in.Location,
		"rightsStatement": in.RightsStatement,
		"iscc":            in.Fingerprint,
		"credentials":     []any{map[string]any{"proof": s.cred.ProofJWT}},
		"timestamp":       timestamp,
	}
}

func (s *Submitter) declarerID() string {
	if s.opts.DeclarerID != "" {
		return s.opts.DeclarerID
	}
	return s.cred.SubjectID
}

// DeclarationID derives the short registry identifier for a payload CID:
// the lowercased first 20 characters of base58(version | regID |
// sha256(cid)), where version and regID are hex strings.
func DeclarationID(version, regID, cid string) (string, error) {
	v, err := hex.DecodeString(version)
	if err != nil {
		return "", errs.Wrap(errs.KindEncoding, "declaration id", "invalid id version", err)
	}
	r, err := hex.DecodeString(regID)
	if err != nil {
		return "", errs.Wrap(errs.KindEncoding, "declaration id", "invalid registry id", err)
	}
	sum := sha256.Sum256([]byte(cid))
	raw := make([]byte, 0, len(v)+len(r)+len(sum))
	raw = append(raw, v...)
	raw = append(raw, r...)
	raw = append(raw, sum[:]...)
	id := base58.Encode(raw)
	if len(id) > 20 {
		id = id[:20]
	}
	return strings.ToLower(id), nil
}
