package rpc

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// FrameKind distinguishes a request from the two shapes of reply.
type FrameKind uint8

const (
	// FrameRequest carries a command invocation.
	FrameRequest FrameKind = iota
	// FrameResponse carries a successful reply payload.
	FrameResponse
	// FrameError carries an application-level failure (kind+message).
	FrameError
)

// Frame is one self-delimited message in the parent<->child stream.
type Frame struct {
	Command string
	Tag     uint64
	Kind    FrameKind
	Payload map[string]any

	// Warnings collects non-fatal unknown_field notices the decoder
	// encountered against a Codec's SchemaLookup, if one is set; the
	// endpoint logs these and continues.
	Warnings []string
}

// SchemaLookup resolves the expected payload field names for one
// command, given which side of the exchange the frame is: kind
// FrameRequest checks against the command's argument schema,
// FrameResponse/FrameError against its reply schema. A false ok means
// no schema is registered for command, so ReadFrame performs no check
// for it.
type SchemaLookup func(command string, kind FrameKind) (fields map[string]struct{}, ok bool)

// wireEnvelope is the concrete MessagePack shape a Frame is encoded
// as. Any codec agreeing with both ends of the pipe satisfies the
// transport contract; msgpack is this repo's concrete choice (see
// DESIGN.md).
type wireEnvelope struct {
	Command string         `msgpack:"c"`
	Tag     uint64         `msgpack:"t"`
	Kind    uint8          `msgpack:"k"`
	Payload map[string]any `msgpack:"p"`
}

const maxFrameSize = 64 << 20 // generous upper bound against a corrupt length prefix

// Codec turns Frames into length-prefixed MessagePack envelopes and
// back. Writes are serialized internally so concurrent callers of
// WriteFrame never interleave a single frame's bytes on the wire.
type Codec struct {
	writeMu sync.Mutex
	schema  SchemaLookup
}

func NewCodec() *Codec { return &Codec{} }

// SetSchemaLookup installs the schema a subsequent ReadFrame checks
// decoded payloads against. It is not safe to call concurrently with
// ReadFrame; set it once, before the codec starts reading frames.
func (c *Codec) SetSchemaLookup(l SchemaLookup) { c.schema = l }

// WriteFrame encodes f and writes it to w as one atomic length-prefixed
// message.
func (c *Codec) WriteFrame(w io.Writer, f Frame) error {
	env := wireEnvelope{Command: f.Command, Tag: f.Tag, Kind: uint8(f.Kind), Payload: f.Payload}
	body, err := msgpack.Marshal(&env)
	if err != nil {
		return wrap(ErrMalformedFrame, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return wrap(ErrShortRead, err)
	}
	if _, err := w.Write(body); err != nil {
		return wrap(ErrShortRead, err)
	}
	return nil
}

// ReadFrame reads exactly one length-prefixed MessagePack envelope
// from r and decodes it. A stream ending mid-frame (including at the
// very first byte, i.e. clean EOF between frames) yields ErrShortRead;
// a structurally invalid envelope yields ErrMalformedFrame.
func (c *Codec) ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, wrap(ErrShortRead, err)
	}

	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size == 0 || size > maxFrameSize {
		return Frame{}, wrap(ErrMalformedFrame, nil)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, wrap(ErrShortRead, err)
	}

	var env wireEnvelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return Frame{}, wrap(ErrMalformedFrame, err)
	}
	if env.Kind > uint8(FrameError) {
		return Frame{}, wrap(ErrMalformedFrame, nil)
	}

	f := Frame{Command: env.Command, Tag: env.Tag, Kind: FrameKind(env.Kind), Payload: env.Payload}
	if c.schema != nil {
		if expected, ok := c.schema(f.Command, f.Kind); ok {
			for k := range f.Payload {
				if _, known := expected[k]; !known {
					f.Warnings = append(f.Warnings, "unknown_field: "+k)
				}
			}
		}
	}
	return f, nil
}
