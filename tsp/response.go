package tsp

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/errs"
)

// PKIStatus is the status field of a TimeStampResp.
type PKIStatus int

const (
	StatusGranted                PKIStatus = 0
	StatusGrantedWithMods        PKIStatus = 1
	StatusRejection              PKIStatus = 2
	StatusWaiting                PKIStatus = 3
	StatusRevocationWarning      PKIStatus = 4
	StatusRevocationNotification PKIStatus = 5
)

func (s PKIStatus) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusGrantedWithMods:
		return "grantedWithMods"
	case StatusRejection:
		return "rejection"
	case StatusWaiting:
		return "waiting"
	case StatusRevocationWarning:
		return "revocationWarning"
	case StatusRevocationNotification:
		return "revocationNotification"
	default:
		return fmt.Sprintf("PKIStatus(%d)", int(s))
	}
}

// Granted reports whether the TSA issued a token.
func (s PKIStatus) Granted() bool {
	return s == StatusGranted || s == StatusGrantedWithMods
}

// Response is the part of a TimeStampResp this package inspects.
type Response struct {
	Status   PKIStatus
	HasToken bool
}

// ParseResponse decodes the PKIStatusInfo of a DER TimeStampResp. The
// timeStampToken, a CMS SignedData, is only checked for presence.
func ParseResponse(der []byte) (*Response, error) {
	input := cryptobyte.String(der)
	var resp, info cryptobyte.String
	if !input.ReadASN1(&resp, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, badResponse("TimeStampResp")
	}
	if !resp.ReadASN1(&info, cbasn1.SEQUENCE) {
		return nil, badResponse("PKIStatusInfo")
	}
	var status int64
	if !info.ReadASN1Integer(&status) {
		return nil, badResponse("status")
	}
	out := &Response{Status: PKIStatus(status)}
	if !resp.Empty() {
		if !resp.SkipASN1(cbasn1.SEQUENCE) || !resp.Empty() {
			return nil, badResponse("timeStampToken")
		}
		out.HasToken = true
	}
	return out, nil
}

// ResponseStatus returns the PKIStatus of a DER TimeStampResp.
func ResponseStatus(der []byte) (PKIStatus, error) {
	resp, err := ParseResponse(der)
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

func badResponse(field string) error {
	return errs.Newf(errs.KindTimestamp, "parse timestamp response", "malformed %s", field)
}
