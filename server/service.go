package server

import (
	"fmt"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service wraps one registered receiver: server.Server.Register calls
// NewService once per receiver at startup, and Server.businessHandler looks up
// the resulting methodType by name on every incoming RPCMessage.ServiceMethod to
// find the (ArgType, ReplyType) pair it needs before it can even decode the
// request payload.
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService builds a service for rcvr and scans it for eligible methods.
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %s", typ.Kind())
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)
	// The receiver's type name becomes the ServiceMethod prefix clients call
	// through, e.g. "Arith.Add" for a registered *Arith with method Add.
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   val,
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()

	return srv, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// RegisterMethods scans the receiver's exported methods and keeps the ones
// matching the RPC shape: func(receiver, *Args, *Reply) error. Anything else
// — a constructor, a getter, a method with the wrong arity — is silently
// skipped rather than rejected, so a service struct can carry helper methods
// alongside its RPC-callable ones.
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

// Call invokes the method behind mType via reflection, passing argv/replyv —
// already decoded from the request's wire payload by the caller — as the
// *Args/*Reply pair the receiver's method expects.
func (s *service) Call(mType *methodType, argv, replyv reflect.Value) error {
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
