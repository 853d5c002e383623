// Package proto defines the peer-to-peer wire payloads exchanged over the
// data channel once a session is active.
package proto

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Version tracks the wire-protocol revision expected by peers.
const Version = 1

// Kind identifies the payload carried by an Envelope.
type Kind uint8

const (
	KindInput Kind = iota + 1
	KindChecksum
	KindKeepAlive
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindChecksum:
		return "checksum"
	case KindKeepAlive:
		return "keepalive"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrVersionMismatch is returned for payloads from another protocol revision.
	ErrVersionMismatch = errors.New("proto: version mismatch")
	// ErrMalformed is returned when an envelope lacks the payload its kind names.
	ErrMalformed = errors.New("proto: malformed envelope")
)

// Envelope is the single datagram type on the wire.
type Envelope struct {
	Version   uint8           `msgpack:"v"`
	Kind      Kind            `msgpack:"k"`
	Input     *InputBatch     `msgpack:"i,omitempty"`
	Checksum  *ChecksumReport `msgpack:"c,omitempty"`
	KeepAlive *KeepAlive      `msgpack:"ka,omitempty"`
}

// InputBatch carries every input the sender has not seen acknowledged, one
// byte per frame starting at Start. Ack is the highest contiguous frame the
// sender has received from the recipient; Frame is the sender's current
// simulation frame.
type InputBatch struct {
	Handle int    `msgpack:"h"`
	Start  int64  `msgpack:"s"`
	Inputs []byte `msgpack:"in"`
	Ack    int64  `msgpack:"a"`
	Frame  int64  `msgpack:"f"`
}

// FrameInput is the logical per-frame input payload.
type FrameInput struct {
	Frame  int64
	Handle int
	Input  byte
}

// Frames expands the batch into per-frame payloads.
func (b InputBatch) Frames() []FrameInput {
	frames := make([]FrameInput, len(b.Inputs))
	for i, in := range b.Inputs {
		frames[i] = FrameInput{Frame: b.Start + int64(i), Handle: b.Handle, Input: in}
	}
	return frames
}

// ChecksumReport carries the sender's checksum for a confirmed frame.
type ChecksumReport struct {
	Frame    int64  `msgpack:"f"`
	Checksum uint64 `msgpack:"x"`
}

// KeepAlive is sent when there is no input to carry so silence always means
// a transport problem.
type KeepAlive struct {
	Ack   int64 `msgpack:"a"`
	Frame int64 `msgpack:"f"`
}

// Encode renders an envelope, stamping the protocol version.
func Encode(env Envelope) ([]byte, error) {
	env.Version = Version
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	return data, nil
}

// EncodeInputBatch renders an input batch envelope.
func EncodeInputBatch(batch InputBatch) ([]byte, error) {
	return Encode(Envelope{Kind: KindInput, Input: &batch})
}

// EncodeChecksum renders a checksum report envelope.
func EncodeChecksum(report ChecksumReport) ([]byte, error) {
	return Encode(Envelope{Kind: KindChecksum, Checksum: &report})
}

// EncodeKeepAlive renders a keepalive envelope.
func EncodeKeepAlive(ka KeepAlive) ([]byte, error) {
	return Encode(Envelope{Kind: KindKeepAlive, KeepAlive: &ka})
}

// Decode parses and validates an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != Version {
		return Envelope{}, fmt.Errorf("decode envelope v%d: %w", env.Version, ErrVersionMismatch)
	}
	switch {
	case env.Kind == KindInput && env.Input != nil:
	case env.Kind == KindChecksum && env.Checksum != nil:
	case env.Kind == KindKeepAlive && env.KeepAlive != nil:
	default:
		return Envelope{}, fmt.Errorf("decode %s: %w", env.Kind, ErrMalformed)
	}
	return env, nil
}
