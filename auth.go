package nvstore

import (
	"time"

	"github.com/google/uuid"
)

// AuthRequest is handed to a Verifier for every write carrying
// FlagCounterAuth or FlagTimeAuth. Envelope is the caller's data, unmodified.
type AuthRequest struct {
	Name      string
	Namespace uuid.UUID
	Flags     Flags
	Envelope  []byte
}

// AuthResult is what a Verifier extracted from a valid envelope.
type AuthResult struct {
	Data        []byte
	PubKeyIndex uint32
	Counter     uint64
	Timestamp   time.Time
}

// Verifier checks authentication envelopes. The store only acts on the
// pass/fail outcome and on the counter and timestamp it reports.
type Verifier interface {
	Verify(req AuthRequest) (AuthResult, error)
}
