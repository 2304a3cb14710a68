// Package message defines what travels inside a frame: the RPC message
// body, the service call type that tags the frame, and the application
// exception envelope carried by EXCEPTION frames.
//
// ApplicationException has two JSON conventions. The compact one is keyed
// by field id and is what goes on the wire:
//
//	{"1": "boom", "2": 6}
//
// The named one is keyed by field name and is used for display:
//
//	{"message": "boom", "id": "INTERNAL_ERROR"}
//
// Both parse back into the same envelope.
package message

// RPCMessage carries the data for a single RPC request or response.
//
//   - Request: ServiceMethod is set and Payload holds the serialized args.
//   - Reply: Payload holds the serialized reply.
//   - Exception: Exception is set; the frame is tagged CallTypeException.
type RPCMessage struct {
	ServiceMethod string                // "ServiceName.MethodName", e.g. "Arith.Add"
	Payload       []byte                // JSON args (request) or reply (response)
	Exception     *ApplicationException `json:",omitempty"`
}

// NewExceptionMessage builds the response body for a failed call.
func NewExceptionMessage(serviceMethod string, exc *ApplicationException) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Exception: exc}
}

// ReplyCallType is the call type of the frame that carries m as a response.
func (m *RPCMessage) ReplyCallType() ServiceCallType {
	if m.Exception != nil {
		return CallTypeException
	}
	return CallTypeReply
}
