package server

import (
	"encoding/json"
	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/protocol"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func TestServerRoundTrip(t *testing.T) {
	cdc := &codec.JSONCodec{}
	svr := NewServer(cdc)
	require.NoError(t, svr.Register(&Arith{}))

	go svr.Serve("tcp", "127.0.0.1:18899", "", nil)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", "127.0.0.1:18899")
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(&Args{1, 2})
	require.NoError(t, err)

	body, err := cdc.Encode(&message.RPCMessage{ServiceMethod: "Arith.Add", Payload: payload}, 7)
	require.NoError(t, err)

	header := protocol.Header{CodecType: byte(cdc.Type()), MsgType: protocol.MsgTypeRequest, BodyLen: uint32(len(body))}
	require.NoError(t, protocol.Encode(conn, &header, body))

	replyHeader, responseBody, err := protocol.Decode(conn)
	require.NoError(t, err)
	require.Equal(t, header.CodecType, replyHeader.CodecType)
	require.Equal(t, protocol.MsgTypeResponse, replyHeader.MsgType)

	var responseRPC message.RPCMessage
	channel, err := cdc.Decode(responseBody, &responseRPC)
	require.NoError(t, err)
	require.Equal(t, int32(7), channel)

	var reply Reply
	require.NoError(t, json.Unmarshal(responseRPC.Payload, &reply))
	require.Equal(t, 3, reply.Result)

	require.NoError(t, svr.Shutdown(time.Second))
}

func TestServerUnknownService(t *testing.T) {
	cdc := &codec.JSONCodec{}
	svr := NewServer(cdc)
	svr.handler = svr.businessHandler // no middleware registered

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go svr.handleConn(serverConn)

	body, err := cdc.Encode(&message.RPCMessage{ServiceMethod: "NoSuchService.Method"}, 0)
	require.NoError(t, err)
	header := protocol.Header{CodecType: byte(cdc.Type()), MsgType: protocol.MsgTypeRequest, BodyLen: uint32(len(body))}

	require.NoError(t, protocol.Encode(clientConn, &header, body))

	_, respBody, err := protocol.Decode(clientConn)
	require.NoError(t, err)

	var resp message.RPCMessage
	_, err = cdc.Decode(respBody, &resp)
	require.NoError(t, err)
	require.Contains(t, resp.Error, "unknown service")
}
