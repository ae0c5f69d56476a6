package auditlog

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
)

const saltSize = 16

// canonical encodes the hashed fields of e. Every variable length field is
// length prefixed so that no two distinct events share an encoding.
func canonical(e *Event) ([]byte, error) {
	var b cryptobyte.Builder
	str := func(s string) {
		b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(s))
		})
	}

	str(e.ID)
	str(e.SignatureID)
	str(e.Timestamp.UTC().Format(time.RFC3339Nano))
	str(string(e.Type))

	var actor Actor
	if e.Actor != nil {
		actor = *e.Actor
		b.AddUint8(1)
	} else {
		b.AddUint8(0)
	}
	str(actor.UserID)
	str(actor.IPAddress)
	str(actor.UserAgent)
	str(actor.Location)

	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.AddUint32(uint32(len(keys)))
	for _, k := range keys {
		str(k)
		str(e.Details[k])
	}

	str(e.PreviousHash)
	b.AddUint64(e.Sequence)
	str(e.Salt)

	return b.Bytes()
}

// ComputeHash returns the hex SHA-256 of the canonical encoding of e.
func ComputeHash(e *Event) (string, error) {
	data, err := canonical(e)
	if err != nil {
		return "", fmt.Errorf("auditlog: encode event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// seal fills the generated fields of a new event following prev, which is
// nil for the first event of a trail.
func seal(signatureID string, in Input, prev *Event, now time.Time, random io.Reader) (Event, error) {
	if err := in.validate(); err != nil {
		return Event{}, err
	}
	if !utf8.ValidString(signatureID) {
		return Event{}, fmt.Errorf("%w in signature id", ErrInvalidUTF8)
	}

	e := Event{
		ID:          in.ID,
		SignatureID: signatureID,
		Type:        in.Type,
		Timestamp:   in.Timestamp,
		Actor:       in.Actor,
		Details:     in.Details,
		Sequence:    1,
	}
	if e.ID == "" {
		id, err := uuid.NewRandomFromReader(random)
		if err != nil {
			return Event{}, fmt.Errorf("auditlog: event id: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	if prev != nil {
		if e.Timestamp.Before(prev.Timestamp) {
			return Event{}, fmt.Errorf("%w: %s precedes %s", ErrOutOfOrder, e.Timestamp.Format(time.RFC3339Nano), prev.Timestamp.Format(time.RFC3339Nano))
		}
		e.PreviousHash = prev.Hash
		e.Sequence = prev.Sequence + 1
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return Event{}, fmt.Errorf("auditlog: salt: %w", err)
	}
	e.Salt = hex.EncodeToString(salt)

	e = e.clone()
	hash, err := ComputeHash(&e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = hash
	return e, nil
}

// Generate builds a trail for signatureID from inputs in order. The first
// event has no previous hash; every later one links to its predecessor.
func Generate(signatureID string, inputs []Input) ([]Event, error) {
	return generate(signatureID, inputs, time.Now, rand.Reader)
}

func generate(signatureID string, inputs []Input, now func() time.Time, random io.Reader) ([]Event, error) {
	trail := make([]Event, 0, len(inputs))
	var prev *Event
	for i, in := range inputs {
		e, err := seal(signatureID, in, prev, now(), random)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		trail = append(trail, e)
		prev = &trail[len(trail)-1]
	}
	return trail, nil
}
