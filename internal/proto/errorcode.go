package proto

// ErrorCode is the OCPP-J error code carried by RequestError and
// ResponseError envelopes.
type ErrorCode string

const (
	NotImplemented                ErrorCode = "NotImplemented"
	NotSupported                  ErrorCode = "NotSupported"
	InternalError                 ErrorCode = "InternalError"
	ProtocolError                 ErrorCode = "ProtocolError"
	SecurityError                 ErrorCode = "SecurityError"
	FormationViolation            ErrorCode = "FormationViolation"
	FormatViolation               ErrorCode = "FormatViolation"
	PropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	OccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	TypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	GenericError                  ErrorCode = "GenericError"
	RpcFrameworkError             ErrorCode = "RpcFrameworkError"
	MessageTypeNotSupported       ErrorCode = "MessageTypeNotSupported"
)

var knownErrorCodes = map[ErrorCode]struct{}{
	NotImplemented:                {},
	NotSupported:                  {},
	InternalError:                 {},
	ProtocolError:                 {},
	SecurityError:                 {},
	FormationViolation:            {},
	FormatViolation:               {},
	PropertyConstraintViolation:   {},
	OccurrenceConstraintViolation: {},
	TypeConstraintViolation:       {},
	GenericError:                  {},
	RpcFrameworkError:             {},
	MessageTypeNotSupported:       {},
}

// Known reports whether c belongs to the fixed OCPP-J enumeration.
func (c ErrorCode) Known() bool {
	_, ok := knownErrorCodes[c]
	return ok
}
