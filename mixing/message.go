// Copyright (c) 2023-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is the version of the peer wire protocol.
const ProtocolVersion = 1

// MaxMessageSize is the largest encoded envelope accepted from a peer.
const MaxMessageSize = 4 << 20

// MsgKind identifies the payload carried by an Envelope.
type MsgKind uint8

// These constants define the message kinds exchanged between peers.
const (
	KindHello MsgKind = iota + 1
	KindPhaseUpdate
	KindUserSet
	KindDealing
	KindDealAck
	KindOutputShares
	KindNonceReveal
	KindPartialSigs
	KindDealReveal
	KindAckEcho
	KindRevealEcho
)

var kindStrings = map[MsgKind]string{
	KindHello:        "hello",
	KindPhaseUpdate:  "phase",
	KindUserSet:      "userset",
	KindDealing:      "dealing",
	KindDealAck:      "dealack",
	KindOutputShares: "share",
	KindNonceReveal:  "noncereveal",
	KindPartialSigs:  "sign",
	KindDealReveal:   "dealreveal",
	KindAckEcho:      "ackecho",
	KindRevealEcho:   "revealecho",
}

// String returns the wire command name of the kind.
func (k MsgKind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("MsgKind(%d)", uint8(k))
}

// Message is a typed peer message payload.  The set of implementations is
// closed: every payload is declared in this package and dispatched by a type
// switch over the concrete types.
type Message interface {
	Kind() MsgKind
	message()
}

// UserID names a user entry across all peers.  It is the commitment digest of
// the entry.
type UserID [32]byte

// String returns the hex encoding of the first bytes of the ID.
func (u UserID) String() string {
	return fmt.Sprintf("%x", u[:8])
}

// Purpose distinguishes the two transactions a session may sign.  Each uses
// its own nonce so that no nonce ever signs two different messages.
type Purpose uint8

// These constants define the signing purposes.
const (
	PurposeMix Purpose = iota
	PurposeRefund
)

// String returns the purpose name.
func (p Purpose) String() string {
	switch p {
	case PurposeMix:
		return "mix"
	case PurposeRefund:
		return "refund"
	}
	return fmt.Sprintf("Purpose(%d)", uint8(p))
}

// SecretKind names one of the jointly generated per-user secrets.
type SecretKind uint8

// These constants define the jointly generated secrets.  Nonce and blinding
// pairs exist once per signing purpose.
const (
	SecretEscrowKey SecretKind = iota
	SecretMixNonce
	SecretMixBlind
	SecretRefundNonce
	SecretRefundBlind

	NumSecretKinds = 5
)

// NonceKinds returns the nonce and blinding secret kinds used for a purpose.
func NonceKinds(p Purpose) (nonce, blind SecretKind) {
	if p == PurposeRefund {
		return SecretRefundNonce, SecretRefundBlind
	}
	return SecretMixNonce, SecretMixBlind
}

// Hello introduces a peer on a new connection.  Time is the sender's clock
// in Unix seconds and bounds the window in which the hello can be replayed.
type Hello struct {
	Version uint32 `cbor:"v"`
	Rank    uint32 `cbor:"r"`
	Time    int64  `cbor:"t"`
}

// PhaseUpdate announces a session phase transition together with the
// deadline of the new phase.
type PhaseUpdate struct {
	Phase    Phase  `cbor:"p"`
	Deadline int64  `cbor:"d"`
	Reason   string `cbor:"r,omitempty"`
}

// AcceptedUser is a user a peer accepted, with the output hash and refund
// address the user registered.  Peers agree on the whole record, so every
// peer builds the same transactions for the user.
type AcceptedUser struct {
	ID         UserID   `cbor:"u"`
	OutputHash [32]byte `cbor:"h"`
	Refund     string   `cbor:"r,omitempty"`
}

// UserSet lists the users a peer accepted during the Initial phase, sorted
// by ID.
type UserSet struct {
	Users []AcceptedUser `cbor:"u"`
}

// DealtPoly carries the public commitments of one dealt polynomial and the
// recipient's private evaluation.
type DealtPoly struct {
	User        UserID     `cbor:"u"`
	Secret      SecretKind `cbor:"k"`
	Commitments [][]byte   `cbor:"c"`
	Share       [32]byte   `cbor:"s"`
}

// Dealing carries one dealer's key generation polynomials for a recipient.
type Dealing struct {
	Polys []DealtPoly `cbor:"p"`
}

// DealAck reports the dealers whose dealings a peer received and verified,
// as a bit set indexed by rank, with the digest of the commitments of each
// accepted dealing in rank order.  A dealer missing from the set is accused
// of withholding or corrupting its dealing.
type DealAck struct {
	Accepted []byte     `cbor:"a"`
	Digests  [][32]byte `cbor:"d"`
}

// OpenedShares are the shares of one peer that a dealer publishes in answer
// to an accusation, in dealing order.
type OpenedShares struct {
	Rank   uint32     `cbor:"r"`
	Shares [][32]byte `cbor:"s"`
}

// DealReveal publishes a dealer's commitments of every polynomial in
// dealing order, and opens the shares of the peers that did not
// acknowledge them.
type DealReveal struct {
	Commitments [][][]byte     `cbor:"c"`
	Opened      []OpenedShares `cbor:"o"`
}

// AckEcho relays the encoded envelopes of the dealing acknowledgements a
// peer received, so that an acknowledgement withheld from some peers still
// reaches all of them.
type AckEcho struct {
	Envelopes [][]byte `cbor:"e"`
}

// RevealEcho relays the encoded envelopes of the dealer reveals a peer
// received.
type RevealEcho struct {
	Envelopes [][]byte `cbor:"e"`
}

// UserShare is a peer's share of one user's output secret.
type UserShare struct {
	User  UserID `cbor:"u"`
	Value []byte `cbor:"v"`
}

// OutputShares carries all of a peer's output secret shares for a session.
type OutputShares struct {
	Shares []UserShare `cbor:"s"`
}

// UserScalar is a per-user value in the secp256k1 scalar field.
type UserScalar struct {
	User  UserID   `cbor:"u"`
	Value [32]byte `cbor:"v"`
}

// NonceReveal carries a peer's degree-2t shares of the product of the nonce
// and blinding secrets for every user.
type NonceReveal struct {
	Purpose Purpose      `cbor:"p"`
	Shares  []UserScalar `cbor:"s"`
}

// InputPartial is a partial signature for one transaction input.
type InputPartial struct {
	Input uint32   `cbor:"i"`
	S     [32]byte `cbor:"s"`
}

// PartialSigs carries a peer's partial signatures for every input of one
// transaction.
type PartialSigs struct {
	Purpose  Purpose        `cbor:"p"`
	TxHash   chainhash.Hash `cbor:"h"`
	Partials []InputPartial `cbor:"s"`
}

func (*Hello) Kind() MsgKind        { return KindHello }
func (*PhaseUpdate) Kind() MsgKind  { return KindPhaseUpdate }
func (*UserSet) Kind() MsgKind      { return KindUserSet }
func (*Dealing) Kind() MsgKind      { return KindDealing }
func (*DealAck) Kind() MsgKind      { return KindDealAck }
func (*OutputShares) Kind() MsgKind { return KindOutputShares }
func (*NonceReveal) Kind() MsgKind  { return KindNonceReveal }
func (*PartialSigs) Kind() MsgKind  { return KindPartialSigs }
func (*DealReveal) Kind() MsgKind   { return KindDealReveal }
func (*AckEcho) Kind() MsgKind      { return KindAckEcho }
func (*RevealEcho) Kind() MsgKind   { return KindRevealEcho }

func (*Hello) message()        {}
func (*PhaseUpdate) message()  {}
func (*UserSet) message()      {}
func (*Dealing) message()      {}
func (*DealAck) message()      {}
func (*OutputShares) message() {}
func (*NonceReveal) message()  {}
func (*PartialSigs) message()  {}
func (*DealReveal) message()   {}
func (*AckEcho) message()      {}
func (*RevealEcho) message()   {}

func newMessage(k MsgKind) (Message, error) {
	switch k {
	case KindHello:
		return new(Hello), nil
	case KindPhaseUpdate:
		return new(PhaseUpdate), nil
	case KindUserSet:
		return new(UserSet), nil
	case KindDealing:
		return new(Dealing), nil
	case KindDealAck:
		return new(DealAck), nil
	case KindOutputShares:
		return new(OutputShares), nil
	case KindNonceReveal:
		return new(NonceReveal), nil
	case KindPartialSigs:
		return new(PartialSigs), nil
	case KindDealReveal:
		return new(DealReveal), nil
	case KindAckEcho:
		return new(AckEcho), nil
	case KindRevealEcho:
		return new(RevealEcho), nil
	}
	return nil, MakeError(ErrMalformedMessage,
		fmt.Sprintf("unknown message kind %d", uint8(k)))
}

// Envelope is the signed wire form of a peer message.  Sequence numbers
// increase monotonically per sender and session.
type Envelope struct {
	Mixnet    string          `cbor:"m"`
	SID       [32]byte        `cbor:"i"`
	Phase     Phase           `cbor:"p"`
	Sender    uint32          `cbor:"f"`
	To        *uint32         `cbor:"t,omitempty"`
	Seq       uint64          `cbor:"n"`
	Kind      MsgKind         `cbor:"k"`
	Payload   cbor.RawMessage `cbor:"d"`
	Signature []byte          `cbor:"s"`
}

// NewEnvelope encodes msg into an unsigned envelope.  A nil to addresses the
// envelope to all peers.
func NewEnvelope(mixnet string, sid [32]byte, phase Phase, sender uint32,
	to *uint32, seq uint64, msg Message) (*Envelope, error) {

	payload, err := cbor.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Mixnet:  mixnet,
		SID:     sid,
		Phase:   phase,
		Sender:  sender,
		To:      to,
		Seq:     seq,
		Kind:    msg.Kind(),
		Payload: payload,
	}, nil
}

// Message decodes the typed payload of the envelope.
func (e *Envelope) Message() (Message, error) {
	m, err := newMessage(e.Kind)
	if err != nil {
		return nil, err
	}
	if err := cbor.Unmarshal(e.Payload, m); err != nil {
		return nil, Errorf(ErrMalformedMessage, "decode %v payload: %w",
			e.Kind, err)
	}
	return m, nil
}

// Broadcast returns whether the envelope is addressed to all peers.
func (e *Envelope) Broadcast() bool {
	return e.To == nil
}

// IsFor returns whether a peer with the rank is a recipient of the envelope.
func (e *Envelope) IsFor(rank uint32) bool {
	if e.Sender == rank {
		return false
	}
	return e.To == nil || *e.To == rank
}

// WriteSignedData writes all signed fields of the envelope to h.
func (e *Envelope) WriteSignedData(h hash.Hash) {
	var buf [8]byte
	h.Write([]byte(e.Mixnet))
	h.Write(e.SID[:])
	h.Write([]byte{byte(e.Phase), byte(e.Kind)})
	binary.BigEndian.PutUint32(buf[:4], e.Sender)
	h.Write(buf[:4])
	if e.To != nil {
		binary.BigEndian.PutUint32(buf[:4], *e.To)
		h.Write([]byte{1})
		h.Write(buf[:4])
	} else {
		h.Write([]byte{0})
	}
	binary.BigEndian.PutUint64(buf[:], e.Seq)
	h.Write(buf[:])
	h.Write(e.Payload)
}

// Hash returns the BLAKE-256 hash of the signed envelope, including its
// signature.
func (e *Envelope) Hash() chainhash.Hash {
	h := blake256.New()
	e.WriteSignedData(h)
	h.Write(e.Signature)
	var out chainhash.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Encode returns the wire encoding of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeEnvelope parses the wire encoding of an envelope.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) > MaxMessageSize {
		return nil, MakeError(ErrMalformedMessage, "message too large")
	}
	e := new(Envelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, Errorf(ErrMalformedMessage, "decode envelope: %w", err)
	}
	if !e.Phase.Valid() {
		return nil, MakeError(ErrMalformedMessage, "invalid phase")
	}
	return e, nil
}
