package auditlog

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrder is returned when an event would precede the last event
	// of its trail.
	ErrOutOfOrder = errors.New("auditlog: event timestamp precedes previous event")

	// ErrConflict is returned by a Store when an append does not extend the
	// current head of the trail.
	ErrConflict = errors.New("auditlog: trail head changed")

	// ErrInvalidUTF8 is returned for inputs carrying text that is not valid
	// UTF-8. Such text would not survive the JSON encoding of a Store.
	ErrInvalidUTF8 = errors.New("auditlog: invalid UTF-8")
)

// ChainError describes the first event at which verification failed.
type ChainError struct {
	Index  int
	ID     string
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("auditlog: event %d (%s): %s", e.Index, e.ID, e.Reason)
}

// Verify recomputes every hash of trail and checks the links between
// consecutive events. It returns a *ChainError for the first violation.
func Verify(trail []Event) error {
	seen := make(map[string]int, len(trail))
	for i := range trail {
		e := &trail[i]
		fail := func(format string, args ...any) error {
			return &ChainError{Index: i, ID: e.ID, Reason: fmt.Sprintf(format, args...)}
		}

		hash, err := ComputeHash(e)
		if err != nil {
			return fail("%v", err)
		}
		if hash != e.Hash {
			return fail("content hash mismatch")
		}
		if j, dup := seen[e.Hash]; dup {
			return fail("hash repeats event %d", j)
		}
		seen[e.Hash] = i

		if i == 0 {
			if e.PreviousHash != "" {
				return fail("first event links to a previous hash")
			}
			continue
		}
		prev := &trail[i-1]
		switch {
		case e.PreviousHash != prev.Hash:
			return fail("previous hash does not match event %d", i-1)
		case e.Sequence != prev.Sequence+1:
			return fail("sequence %d does not follow %d", e.Sequence, prev.Sequence)
		case e.Timestamp.Before(prev.Timestamp):
			return fail("timestamp precedes event %d", i-1)
		case e.SignatureID != prev.SignatureID:
			return fail("belongs to signature %q, not %q", e.SignatureID, prev.SignatureID)
		}
	}
	return nil
}
