package codec

import (
	"encoding/json"
	"errors"
	"mini-rpc/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
//
// The channel is a named field in the marshaled object, so rewriting it after the
// fact means re-marshaling the whole frame — JSONCodec is not a RecodingCodec.
type JSONCodec struct{}

type jsonFrame struct {
	Channel       int32
	ServiceMethod string
	Error         string
	Payload       []byte
	RequestID     string `json:",omitempty"`
}

func (c *JSONCodec) Encode(v any, channel int32) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("JSONCodec: v must be *message.RPCMessage")
	}
	return json.Marshal(jsonFrame{
		Channel:       channel,
		ServiceMethod: msg.ServiceMethod,
		Error:         msg.Error,
		Payload:       msg.Payload,
		RequestID:     msg.RequestID,
	})
}

func (c *JSONCodec) Decode(data []byte, v any) (int32, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return ChannelNone, errors.New("JSONCodec: v must be *message.RPCMessage")
	}
	var f jsonFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ChannelNone, err
	}
	msg.ServiceMethod = f.ServiceMethod
	msg.Error = f.Error
	msg.Payload = f.Payload
	msg.RequestID = f.RequestID
	return f.Channel, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) Recoding() bool {
	return false
}
