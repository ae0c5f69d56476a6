// Package auditlog implements the append-only, hash-linked audit trail kept
// for every signature. Each event carries the SHA-256 hash of a canonical
// encoding of its content and the hash of the event before it, so editing or
// removing any event breaks verification of every later one.
package auditlog

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// EventType is the closed set of audit event kinds.
type EventType string

const (
	DocumentPrepared     EventType = "document_prepared"
	SignatureRequested   EventType = "signature_requested"
	SignatureApplied     EventType = "signature_applied"
	DocumentCompleted    EventType = "document_completed"
	CertificateValidated EventType = "certificate_validated"
	TimestampApplied     EventType = "timestamp_applied"
	ComplianceVerified   EventType = "compliance_verified"
)

var EventTypes = []EventType{
	DocumentPrepared,
	SignatureRequested,
	SignatureApplied,
	DocumentCompleted,
	CertificateValidated,
	TimestampApplied,
	ComplianceVerified,
}

// LifecycleTypes are the four canonical lifecycle events used to measure
// trail completeness.
var LifecycleTypes = []EventType{
	DocumentPrepared,
	SignatureRequested,
	SignatureApplied,
	DocumentCompleted,
}

func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Actor identifies who or what caused an event.
type Actor struct {
	UserID    string `json:"userId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Event is one entry of a signature's audit trail. Events are immutable
// once returned by the package.
type Event struct {
	ID           string            `json:"id"`
	SignatureID  string            `json:"signatureId"`
	Type         EventType         `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        *Actor            `json:"actor,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	Sequence     uint64            `json:"sequence"`
	Salt         string            `json:"salt"`
	PreviousHash string            `json:"previousHash,omitempty"`
	Hash         string            `json:"hash"`
}

// Input describes an event to append. ID and Timestamp are assigned when
// empty.
type Input struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Actor     *Actor
	Details   map[string]string
}

func (in Input) validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("auditlog: unknown event type %q", in.Type)
	}
	if !utf8.ValidString(in.ID) {
		return fmt.Errorf("%w in event id", ErrInvalidUTF8)
	}
	if a := in.Actor; a != nil {
		for name, v := range map[string]string{
			"userId":    a.UserID,
			"ipAddress": a.IPAddress,
			"userAgent": a.UserAgent,
			"location":  a.Location,
		} {
			if !utf8.ValidString(v) {
				return fmt.Errorf("%w in actor %s", ErrInvalidUTF8, name)
			}
		}
	}
	for k, v := range in.Details {
		if !utf8.ValidString(k) {
			return fmt.Errorf("%w in detail key %q", ErrInvalidUTF8, k)
		}
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w in detail %q", ErrInvalidUTF8, k)
		}
	}
	return nil
}

// clone returns a deep copy so callers never share maps with stored events.
func (e Event) clone() Event {
	if e.Actor != nil {
		a := *e.Actor
		e.Actor = &a
	}
	if e.Details != nil {
		d := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}

// Completeness returns the share, in percent, of LifecycleTypes present in
// events.
func Completeness(events []Event) float64 {
	seen := make(map[EventType]bool, len(LifecycleTypes))
	for _, e := range events {
		seen[e.Type] = true
	}
	n := 0
	for _, t := range LifecycleTypes {
		if seen[t] {
			n++
		}
	}
	return float64(n) / float64(len(LifecycleTypes)) * 100
}
