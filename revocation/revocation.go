// Package revocation checks certificate revocation over OCSP and CRL and
// carries the evidence in the Adobe RevocationInfoArchival container.
package revocation

import (
	"crypto/x509"
	"encoding/asn1"
	"time"

	"golang.org/x/crypto/ocsp"
)

// OIDInfoArchival identifies the RevocationInfoArchival signed attribute.
var OIDInfoArchival = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}

// Method is the mechanism that produced a Status.
type Method string

const (
	MethodOCSP Method = "OCSP"
	MethodCRL  Method = "CRL"
)

// Status is the outcome of one revocation check.
type Status struct {
	IsRevoked bool
	CheckedAt time.Time
	Method    Method
	Reason    string
	RevokedAt time.Time
	// Source is the responder or distribution point URL.
	Source string
	// Response holds the raw OCSP response or CRL the verdict was based on.
	Response []byte
}

// InfoArchival is the pkcs7 container containing the revocation information for
// all embedded certificates.
type InfoArchival struct {
	CRL   CRL   `asn1:"tag:0,optional,explicit"`
	OCSP  OCSP  `asn1:"tag:1,optional,explicit"`
	Other Other `asn1:"tag:2,optional,explicit"`
}

// AddCRL is used to embed an CRL to revocation.InfoArchival object. You directly
// pass the bytes of a downloaded CRL to this function.
func (r *InfoArchival) AddCRL(b []byte) error {
	r.CRL = append(r.CRL, asn1.RawValue{FullBytes: b})
	return nil
}

// AddOCSP is used to embed the raw bytes of an OCSP response.
func (r *InfoArchival) AddOCSP(b []byte) error {
	r.OCSP = append(r.OCSP, asn1.RawValue{FullBytes: b})
	return nil
}

// Add embeds the evidence behind s.
func (r *InfoArchival) Add(s *Status) error {
	if s == nil || len(s.Response) == 0 {
		return nil
	}
	if s.Method == MethodCRL {
		return r.AddCRL(s.Response)
	}
	return r.AddOCSP(s.Response)
}

// Empty reports whether no evidence is embedded.
func (r *InfoArchival) Empty() bool {
	return len(r.CRL) == 0 && len(r.OCSP) == 0
}

// IsRevoked checks if there is a status included for the certificate and returns
// true if the certificate is marked as revoked by any embedded CRL or OCSP
// response.
func (r *InfoArchival) IsRevoked(c *x509.Certificate) bool {
	for _, crlRaw := range r.CRL {
		crl, err := x509.ParseRevocationList(crlRaw.FullBytes)
		if err != nil {
			continue
		}
		for _, rc := range crl.RevokedCertificateEntries {
			if rc.SerialNumber.Cmp(c.SerialNumber) == 0 {
				return true
			}
		}
	}

	for _, ocspRaw := range r.OCSP {
		resp, err := ocsp.ParseResponse(ocspRaw.FullBytes, nil)
		if err != nil {
			continue
		}
		if resp.SerialNumber.Cmp(c.SerialNumber) == 0 && resp.Status == ocsp.Revoked {
			return true
		}
	}

	return false
}

// CRL contains the raw bytes of a pkix.CertificateList and can be parsed with
// x509.ParseRevocationList.
type CRL []asn1.RawValue

// OCSP contains the raw bytes of an OCSP response and can be parsed with
// x/crypto/ocsp.ParseResponse.
type OCSP []asn1.RawValue

// ANS.1 Object OtherRevInfo.
type Other struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}

// ReasonString names an RFC 5280 CRLReason code.
func ReasonString(code int) string {
	switch code {
	case ocsp.Unspecified:
		return "unspecified"
	case ocsp.KeyCompromise:
		return "keyCompromise"
	case ocsp.CACompromise:
		return "cACompromise"
	case ocsp.AffiliationChanged:
		return "affiliationChanged"
	case ocsp.Superseded:
		return "superseded"
	case ocsp.CessationOfOperation:
		return "cessationOfOperation"
	case ocsp.CertificateHold:
		return "certificateHold"
	case ocsp.RemoveFromCRL:
		return "removeFromCRL"
	case ocsp.PrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ocsp.AACompromise:
		return "aACompromise"
	}
	return "unknown"
}
