package codec

import (
	"encoding/binary"
	"errors"
	"mini-rpc/message"

	"github.com/golang/snappy"
)

// BinaryCodec is a compact, allocation-light wire format. Its channel field is a
// fixed-width uint32 at a fixed offset (0), which makes it the recoding-capable
// codec in this module: overwriting the channel after the fact is a single
// PutUint32 call, never a re-serialization of the payload.
//
// Frame layout:
//
//	[0:4]   channel (uint32, ChannelNone encoded as 0xFFFFFFFF)
//	[4]     flags (bit 0 = payload snappy-compressed)
//	[5:7]   len(ServiceMethod) uint16, then ServiceMethod bytes
//	[..]    len(Payload) uint32, then Payload bytes
//	[..]    len(Error) uint16, then Error bytes
//	[..]    len(RequestID) uint16, then RequestID bytes
type BinaryCodec struct {
	compress bool
}

// NewBinaryCodec returns a BinaryCodec that snappy-compresses the payload when
// compress is true. The zero value BinaryCodec{} behaves exactly like compress=false.
func NewBinaryCodec(compress bool) *BinaryCodec {
	return &BinaryCodec{compress: compress}
}

const (
	flagCompressed byte = 1 << 0
	channelNoneU32      = 0xFFFFFFFF
)

func encodeChannel(channel int32) uint32 {
	if channel == ChannelNone {
		return channelNoneU32
	}
	return uint32(channel)
}

func decodeChannel(u uint32) int32 {
	if u == channelNoneU32 {
		return ChannelNone
	}
	return int32(u)
}

func (c *BinaryCodec) Encode(v any, channel int32) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.RPCMessage")
	}

	payload := msg.Payload
	var flags byte
	if c.compress && len(payload) > 0 {
		payload = snappy.Encode(nil, payload)
		flags |= flagCompressed
	}

	total := 4 + 1 + 2 + len(msg.ServiceMethod) + 4 + len(payload) + 2 + len(msg.Error) + 2 + len(msg.RequestID)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint32(buf[offset:offset+4], encodeChannel(channel))
	offset += 4

	buf[offset] = flags
	offset++

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.ServiceMethod)))
	offset += 2
	copy(buf[offset:offset+len(msg.ServiceMethod)], msg.ServiceMethod)
	offset += len(msg.ServiceMethod)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(payload)))
	offset += 4
	copy(buf[offset:offset+len(payload)], payload)
	offset += len(payload)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:offset+len(msg.Error)], msg.Error)
	offset += len(msg.Error)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.RequestID)))
	offset += 2
	copy(buf[offset:offset+len(msg.RequestID)], msg.RequestID)

	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) (int32, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return ChannelNone, errors.New("BinaryCodec: v must be *message.RPCMessage")
	}
	if len(data) < 5 {
		return ChannelNone, errors.New("BinaryCodec: frame too short")
	}

	offset := 0
	channel := decodeChannel(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4

	flags := data[offset]
	offset++

	strLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	msg.ServiceMethod = string(data[offset : offset+int(strLen)])
	offset += int(strLen)

	payloadLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	payload := data[offset : offset+int(payloadLen)]
	offset += int(payloadLen)

	if flags&flagCompressed != 0 && len(payload) > 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return ChannelNone, err
		}
		payload = decoded
	}
	msg.Payload = append([]byte(nil), payload...)

	errLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	msg.Error = string(data[offset : offset+int(errLen)])
	offset += int(errLen)

	idLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	msg.RequestID = string(data[offset : offset+int(idLen)])

	return channel, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func (c *BinaryCodec) Recoding() bool {
	return true
}

// Recode rewrites only the channel prefix, leaving the rest of the frame untouched.
// Mutates prebuilt in place and returns it — O(1) regardless of payload size.
func (c *BinaryCodec) Recode(prebuilt []byte, channel int32) ([]byte, error) {
	if len(prebuilt) < 4 {
		return nil, errors.New("BinaryCodec: frame too short to recode")
	}
	binary.BigEndian.PutUint32(prebuilt[0:4], encodeChannel(channel))
	return prebuilt, nil
}
