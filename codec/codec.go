// Package codec implements the pluggable byte↔message translation layer for mini-RPC.
//
// Every codec carries a channel number inside its encoded bytes so that the peer layer
// (mini-rpc/peer, mini-rpc/transport, mini-rpc/server) can multiplex many concurrent
// RPCs over one connection and match each decoded frame back to the call that issued it.
// ChannelNone is the reserved placeholder used for a request that is queued — waiting
// for a free channel slot — but already pre-encoded.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// ChannelNone is the sentinel channel value for a frame that has not yet been
// assigned a real channel. Only RecodingCodec.Recode may turn it into a real one.
const ChannelNone int32 = -1

// Codec encodes and decodes RPCMessage values, embedding a channel number in every
// frame it produces. v is always a *message.RPCMessage in this module; the interface
// stays in terms of `any` to match the encoding/json-style Encode/Decode shape used
// throughout the rest of the codebase.
type Codec interface {
	// Encode serializes v into a self-delimited frame body carrying channel.
	Encode(v any, channel int32) ([]byte, error)

	// Decode parses data into v and returns the channel embedded in the frame.
	Decode(data []byte, v any) (channel int32, err error)

	// Type reports which wire format this codec implements.
	Type() CodecType

	// Recoding reports whether this codec supports Recode (RecodingCodec).
	Recoding() bool
}

// RecodingCodec is implemented by codecs that can rewrite the channel field of an
// already-encoded frame without re-serializing the payload. BinaryCodec implements
// this because its channel field sits at a fixed byte offset; JSONCodec does not,
// because rewriting a channel embedded as a named JSON field requires re-marshaling.
type RecodingCodec interface {
	Codec
	Recode(prebuilt []byte, channel int32) ([]byte, error)
}

// GetCodec returns the default codec instance for a wire codec type byte.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &BinaryCodec{}
}
