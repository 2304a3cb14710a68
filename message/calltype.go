package message

import "envelope-rpc/enum"

// ServiceCallType is the role of a message on the wire. It tells the
// receiving side which part of the method descriptor to decode against.
type ServiceCallType int32

const (
	// CallTypeCall is a service method request.
	CallTypeCall ServiceCallType = 1
	// CallTypeReply is a normal reply, declared exceptions included.
	CallTypeReply ServiceCallType = 2
	// CallTypeException carries an ApplicationException: a non-declared
	// exception or a service/serialization failure on the remote side.
	CallTypeException ServiceCallType = 3
	// CallTypeOneway is a request that gets no response at all.
	CallTypeOneway ServiceCallType = 4
)

// ServiceCallTypes is the codec for ServiceCallType. Names are lowercase.
var ServiceCallTypes = enum.NewFamily("PServiceCallType",
	enum.Entry[ServiceCallType]{Value: CallTypeCall, Name: "call"},
	enum.Entry[ServiceCallType]{Value: CallTypeReply, Name: "reply"},
	enum.Entry[ServiceCallType]{Value: CallTypeException, Name: "exception"},
	enum.Entry[ServiceCallType]{Value: CallTypeOneway, Name: "oneway"},
)

// ParseServiceCallType resolves a wire token to a ServiceCallType.
func ParseServiceCallType(tok enum.Token, keepUnknownNumeric bool) (ServiceCallType, enum.Resolution) {
	return ServiceCallTypes.Resolve(tok, keepUnknownNumeric)
}

func (t ServiceCallType) String() string {
	return ServiceCallTypes.Format(t)
}

// ExpectsReply reports whether the sender waits for a response frame.
func (t ServiceCallType) ExpectsReply() bool {
	return t == CallTypeCall
}

// IsRequest reports whether a server should dispatch the message.
func (t ServiceCallType) IsRequest() bool {
	return t == CallTypeCall || t == CallTypeOneway
}
