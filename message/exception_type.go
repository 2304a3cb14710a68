package message

import "envelope-rpc/enum"

// ApplicationExceptionType classifies why a call failed outside its
// declared exception set.
type ApplicationExceptionType int32

const (
	// ExceptionUnknown is an unidentified failure, and the default type.
	ExceptionUnknown ApplicationExceptionType = 0
	// ExceptionUnknownMethod means no such method exists on the service.
	ExceptionUnknownMethod ApplicationExceptionType = 1
	// ExceptionInvalidMessageType means the call type makes no sense
	// here, e.g. a reply sent as a request.
	ExceptionInvalidMessageType ApplicationExceptionType = 2
	// ExceptionWrongMethodName means the reply named a different method.
	ExceptionWrongMethodName ApplicationExceptionType = 3
	// ExceptionBadSequenceID means the reply carried a non-matching sequence id.
	ExceptionBadSequenceID ApplicationExceptionType = 4
	// ExceptionMissingResult means the reply had no result.
	ExceptionMissingResult ApplicationExceptionType = 5
	// ExceptionInternalError is a failure inside the service or client handler.
	ExceptionInternalError ApplicationExceptionType = 6
	// ExceptionProtocolError means (de)serialization failed or the content
	// was not valid for the requested method.
	ExceptionProtocolError ApplicationExceptionType = 7
	// ExceptionInvalidTransform is kept for wire compatibility only.
	ExceptionInvalidTransform ApplicationExceptionType = 8
	// ExceptionInvalidProtocol means the protocol or its version is not supported.
	ExceptionInvalidProtocol ApplicationExceptionType = 9
	// ExceptionUnsupportedClientType is kept for wire compatibility only.
	ExceptionUnsupportedClientType ApplicationExceptionType = 10
)

// ApplicationExceptionTypes is the codec for ApplicationExceptionType.
// Names are upper snake case.
var ApplicationExceptionTypes = enum.NewFamily("PApplicationExceptionType",
	enum.Entry[ApplicationExceptionType]{Value: ExceptionUnknown, Name: "UNKNOWN"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionUnknownMethod, Name: "UNKNOWN_METHOD"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionInvalidMessageType, Name: "INVALID_MESSAGE_TYPE"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionWrongMethodName, Name: "WRONG_METHOD_NAME"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionBadSequenceID, Name: "BAD_SEQUENCE_ID"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionMissingResult, Name: "MISSING_RESULT"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionInternalError, Name: "INTERNAL_ERROR"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionProtocolError, Name: "PROTOCOL_ERROR"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionInvalidTransform, Name: "INVALID_TRANSFORM"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionInvalidProtocol, Name: "INVALID_PROTOCOL"},
	enum.Entry[ApplicationExceptionType]{Value: ExceptionUnsupportedClientType, Name: "UNSUPPORTED_CLIENT_TYPE"},
)

// ParseApplicationExceptionType resolves a wire token to an ApplicationExceptionType.
func ParseApplicationExceptionType(tok enum.Token, keepUnknownNumeric bool) (ApplicationExceptionType, enum.Resolution) {
	return ApplicationExceptionTypes.Resolve(tok, keepUnknownNumeric)
}

func (t ApplicationExceptionType) String() string {
	return ApplicationExceptionTypes.Format(t)
}
