// Package cosenv verifies authenticated writes whose envelope is a
// COSE_Sign1 message (RFC 8152) with a CBOR payload.
//
// The signature covers an external AAD made of the record namespace and
// name, so an envelope signed for one record cannot be replayed on another.
package cosenv

import (
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/veraison/go-cose"

	"github.com/yonwoo9/go-nvstore"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownSigner     = errors.New("envelope not signed by a known key")
)

// Payload is the signed content of an envelope.
type Payload struct {
	Counter uint64 `cbor:"1,keyasint"`
	// Timestamp is unix nanoseconds.
	Timestamp int64  `cbor:"2,keyasint"`
	Data      []byte `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

// Verifier is an nvstore.Verifier checking envelopes against an ordered
// list of public keys. The index of the matching key is reported as the
// record's public key index.
type Verifier struct {
	keys []cose.Verifier
}

var _ nvstore.Verifier = (*Verifier)(nil)

// NewVerifier returns a Verifier for keys, all using alg.
func NewVerifier(alg cose.Algorithm, keys ...crypto.PublicKey) (*Verifier, error) {
	v := &Verifier{}
	for i, k := range keys {
		cv, err := cose.NewVerifier(alg, k)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		v.keys = append(v.keys, cv)
	}
	return v, nil
}

func (v *Verifier) Verify(req nvstore.AuthRequest) (nvstore.AuthResult, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(req.Envelope); err != nil {
		return nvstore.AuthResult{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	external := ExternalAAD(req.Namespace, req.Name)
	for i, k := range v.keys {
		if err := msg.Verify(external, k); err != nil {
			continue
		}
		var p Payload
		if err := decMode.Unmarshal(msg.Payload, &p); err != nil {
			return nvstore.AuthResult{}, fmt.Errorf("%w: payload: %w", ErrMalformedEnvelope, err)
		}
		res := nvstore.AuthResult{
			Data:        p.Data,
			PubKeyIndex: uint32(i),
			Counter:     p.Counter,
		}
		if p.Timestamp != 0 {
			res.Timestamp = time.Unix(0, p.Timestamp).UTC()
		}
		return res, nil
	}
	return nvstore.AuthResult{}, ErrUnknownSigner
}

// Sign produces an envelope for the record (ns, name).
func Sign(signer cose.Signer, ns uuid.UUID, name string, p Payload) ([]byte, error) {
	payload, err := encMode.Marshal(p)
	if err != nil {
		return nil, err
	}
	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: signer.Algorithm(),
			},
		},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, ExternalAAD(ns, name), signer); err != nil {
		return nil, err
	}
	return msg.MarshalCBOR()
}

// ExternalAAD binds an envelope to a record key.
func ExternalAAD(ns uuid.UUID, name string) []byte {
	return append(ns[:len(ns):len(ns)], name...)
}
