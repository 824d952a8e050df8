package declaration

import (
	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/tsp"
)

// Envelope is the JSON body posted to the registry.
//
// In dry runs no TSA is contacted and both time-stamp fields are omitted.
type Envelope struct {
	MetaInternal                  MetaInternal       `json:"metaInternal"`
	Signature                     string             `json:"signature"`
	TSASignature                  *tsp.EncodedProof  `json:"tsaSignature,omitempty"`
	DeclarationMetadata           Metadata           `json:"declarationMetadata"`
	CommonsDBRegistrySignature    string             `json:"commonsDbRegistrySignature"`
	CommonsDBRegistryTSASignature []tsp.EncodedProof `json:"commonsDbRegistryTsaSignature,omitempty"`
}

// MetaInternal carries identifiers the registry indexes on.
type MetaInternal struct {
	CompanyID     string `json:"companyId"`
	DeclarerID    string `json:"declarerId"`
	ISCCCode      string `json:"isccCode"`
	DeclarationID string `json:"declarationId"`
	CID           string `json:"cid"`
}

// Metadata holds the two independently signed payloads.
type Metadata struct {
	PublicMetadata    map[string]any `json:"publicMetadata"`
	CommonsDBRegistry map[string]any `json:"commonsDbRegistry"`
}

// Proofs returns the decoded time-stamp proofs paired with the signature
// each one stamps. Dry-run envelopes return none.
func (e *Envelope) Proofs() ([]SignedProof, error) {
	var out []SignedProof
	if e.TSASignature != nil {
		p, err := tsp.DecodeProof(*e.TSASignature)
		if err != nil {
			return nil, err
		}
		out = append(out, SignedProof{Signature: e.Signature, Proof: p})
	}
	for _, enc := range e.CommonsDBRegistryTSASignature {
		p, err := tsp.DecodeProof(enc)
		if err != nil {
			return nil, err
		}
		out = append(out, SignedProof{Signature: e.CommonsDBRegistrySignature, Proof: p})
	}
	return out, nil
}

// SignedProof is a time-stamp proof and the signature token it covers.
type SignedProof struct {
	Signature string
	Proof     tsp.Proof
}
