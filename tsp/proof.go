package tsp

import (
	"encoding/base64"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// Proof pairs a TimeStampReq with the TSA's raw TimeStampResp.
type Proof struct {
	Request  []byte
	Response []byte
}

// EncodedProof is the transport form of a Proof.
type EncodedProof struct {
	TSQ string `json:"tsq"`
	TSR string `json:"tsr"`
}

// Encode base64-encodes both halves of p.
func (p Proof) Encode() EncodedProof {
	return EncodedProof{
		TSQ: base64.StdEncoding.EncodeToString(p.Request),
		TSR: base64.StdEncoding.EncodeToString(p.Response),
	}
}

// DecodeProof reverses Proof.Encode.
func DecodeProof(e EncodedProof) (Proof, error) {
	req, err := base64.StdEncoding.DecodeString(e.TSQ)
	if err != nil {
		return Proof{}, errs.Wrap(errs.KindTimestamp, "decode proof", "invalid tsq encoding", err)
	}
	resp, err := base64.StdEncoding.DecodeString(e.TSR)
	if err != nil {
		return Proof{}, errs.Wrap(errs.KindTimestamp, "decode proof", "invalid tsr encoding", err)
	}
	return Proof{Request: req, Response: resp}, nil
}

// Check verifies that p stamps data and that the TSA granted it.
func (p Proof) Check(data []byte) (PKIStatus, error) {
	req, err := ParseRequest(p.Request)
	if err != nil {
		return 0, err
	}
	if !req.Covers(data) {
		return 0, errs.New(errs.KindTimestamp, "check proof", "message imprint does not match data")
	}
	resp, err := ParseResponse(p.Response)
	if err != nil {
		return 0, err
	}
	if !resp.Status.Granted() {
		return resp.Status, errs.Newf(errs.KindTimestamp, "check proof", "TSA returned status %s", resp.Status)
	}
	return resp.Status, nil
}
