// Package eventid defines the structured identity of a transaction.
//
// Every transaction submitted to the store carries an ID derived from the
// inputs of the logical operation it represents. Retries of the same
// operation must collide on the same ID so the store's idempotency ledger
// can suppress duplicate application; genuinely distinct operations must
// never collide. Deriving the ID from a structured value type (rather than
// a free-form string) makes the construction rules explicit and keeps the
// derivation in one place.
package eventid

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// namespace is the fixed UUIDv5 namespace for hearth event ids.
var namespace = uuid.MustParse("8f1c2a54-9f0e-4f6b-8d0a-3c7e5b2d1a90")

// ID identifies one logical operation against the world document.
//
// Op names the operation ("trade.execute"), Subject the logical entity it
// targets ("agent:Mara"). Bucket is a time-bucket index assigned by Derive
// so that duplicate-suppression windows expire naturally: the same inputs
// submitted in a later bucket are a new operation, not a replay. Digest is
// a short content digest of the operation payload.
type ID struct {
	Op      string
	Subject string
	Bucket  int64
	Digest  string
}

// New returns an unwindowed ID for the given operation and subject.
// Used for operations whose identity is fully determined by their inputs
// (e.g. "advance the clock to tick 42").
func New(op, subject string) ID {
	return ID{Op: op, Subject: subject}
}

// Derive builds an ID from operation inputs plus a time-bucket window.
//
// The bucket index is now divided by the window, so two calls with the same
// inputs inside one window produce identical ids and calls in different
// windows do not. A zero window produces an unwindowed id.
func Derive(op, subject string, payload []byte, window time.Duration, now time.Time) ID {
	id := ID{Op: op, Subject: subject}
	if window > 0 {
		id.Bucket = now.UnixMilli() / window.Milliseconds()
	}
	if len(payload) > 0 {
		sum := sha256.Sum256(payload)
		id.Digest = hex.EncodeToString(sum[:8])
	}
	return id
}

// IsZero reports whether the id carries no identity at all.
// The store rejects transactions with zero ids.
func (id ID) IsZero() bool {
	return id.Op == "" && id.Subject == "" && id.Digest == ""
}

// Key returns the canonical string form used as the ledger key.
//
// Strings are NFC normalized at this boundary so that visually identical
// operation names composed differently still collide. The layout is
// op[|subject][@bucket][#digest]; omitted parts are elided rather than
// serialized empty so that simple ids stay readable.
func (id ID) Key() string {
	var b strings.Builder
	b.WriteString(norm.NFC.String(id.Op))
	if id.Subject != "" {
		b.WriteByte('|')
		b.WriteString(norm.NFC.String(id.Subject))
	}
	if id.Bucket != 0 {
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(id.Bucket, 10))
	}
	if id.Digest != "" {
		b.WriteByte('#')
		b.WriteString(id.Digest)
	}
	return b.String()
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Key()
}

// UUID returns a stable UUIDv5 for the id, for callers that need a
// fixed-width identity (e.g. journal rows shared with external tooling).
// Equal ids always map to equal UUIDs.
func (id ID) UUID() uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(id.Key()))
}
