package keys

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// Credential is the member credential issued to the supplier by the
// registry. Document is embedded verbatim in public metadata.
type Credential struct {
	Document  map[string]any
	SubjectID string
	ProofJWT  string
}

// LoadCredential reads a member credential JSON file.
func LoadCredential(path string) (*Credential, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.ReadFile(path, err)
	}
	cred, err := ParseCredential(b)
	if err != nil {
		return nil, errs.ReadFile(path, err)
	}
	return cred, nil
}

// ParseCredential extracts credentialSubject.id and proof.jwt from a
// credential document.
func ParseCredential(b []byte) (*Credential, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "parse credential", "invalid JSON", err)
	}
	subject, _ := doc["credentialSubject"].(map[string]any)
	id, _ := subject["id"].(string)
	if id == "" {
		return nil, errs.New(errs.KindConfig, "parse credential", "missing credentialSubject.id")
	}
	proof, _ := doc["proof"].(map[string]any)
	jwt, _ := proof["jwt"].(string)
	if jwt == "" {
		return nil, errs.New(errs.KindConfig, "parse credential", "missing proof.jwt")
	}
	return &Credential{Document: doc, SubjectID: id, ProofJWT: jwt}, nil
}
