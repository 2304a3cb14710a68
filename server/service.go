package server

import (
	"reflect"

	"envelope-rpc/message"

	"github.com/jmgilman/go/errors"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService builds a service from a pointer to a struct and collects its
// exported methods of the form
//
//	func (s *T) Method(args *Args, reply *Reply) error
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Newf(errors.CodeInvalidInput, "rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Newf(errors.CodeInvalidInput, "rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "rpc: type %s has no exported methods of suitable type", srv.name)
	}
	return srv, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// RegisterMethods keeps the methods with an RPC signature: receiver plus
// two pointer arguments, and a single error result.
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// Call invokes the method. A panicking handler is reported as an
// INTERNAL_ERROR exception instead of taking the connection down.
func (s *service) Call(mType *methodType, argv, replyv reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = message.NewApplicationExceptionf(message.ExceptionInternalError,
				"panic in %s.%s: %v", s.name, mType.method.Name, r)
		}
	}()

	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
