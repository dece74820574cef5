package elbus

import "errors"

// ResultCode is the one-byte status the broker returns in handshake replies
// and ACK frames.
type ResultCode byte

// Result codes shared with every language binding.
const (
	// Operation completed
	ResultOK ResultCode = 0x01
	// Target client is not registered
	ResultNotRegistered ResultCode = 0x71
	// Malformed data, name or pattern
	ResultData ResultCode = 0x72
	// I/O failure
	ResultIO ResultCode = 0x73
	// Unspecified failure
	ResultOther ResultCode = 0x74
	// Protocol or operation not supported
	ResultNotSupported ResultCode = 0x75
	// Resource busy, e.g. the client name is taken
	ResultBusy ResultCode = 0x76
	// Frame dropped because the target queue was full
	ResultNotDelivered ResultCode = 0x77
	// Deadline elapsed
	ResultTimeout ResultCode = 0x78
	// Operation rejected by the authorizer or authenticator
	ResultAccess ResultCode = 0x79
)

var resultCodeStrings = map[ResultCode]string{
	ResultOK:            "OK",
	ResultNotRegistered: "Not registered",
	ResultData:          "Data error",
	ResultIO:            "I/O error",
	ResultOther:         "Other error",
	ResultNotSupported:  "Not supported",
	ResultBusy:          "Busy",
	ResultNotDelivered:  "Not delivered",
	ResultTimeout:       "Timeout",
	ResultAccess:        "Access denied",
}

// String returns the human-readable description of the result code.
func (r ResultCode) String() string {
	if s, ok := resultCodeStrings[r]; ok {
		return s
	}
	return "Unknown result code"
}

// IsError returns true if the result code indicates a failure.
func (r ResultCode) IsError() bool {
	return r != ResultOK
}

// Err returns the sentinel error the result code stands for, or nil for ResultOK.
func (r ResultCode) Err() error {
	switch r {
	case ResultOK:
		return nil
	case ResultNotRegistered:
		return ErrNoSuchClient
	case ResultData:
		return ErrMalformedPattern
	case ResultNotSupported:
		return ErrNotSupported
	case ResultBusy:
		return ErrNameTaken
	case ResultNotDelivered:
		return ErrBackpressure
	case ResultTimeout:
		return ErrTimeout
	case ResultAccess:
		return ErrPermissionDenied
	default:
		return ErrOther
	}
}

// ResultCodeFromError maps an error returned by broker operations to the
// result code sent back to wire clients.
func ResultCodeFromError(err error) ResultCode {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNoSuchClient), errors.Is(err, ErrPeerGone):
		return ResultNotRegistered
	case errors.Is(err, ErrMalformedPath), errors.Is(err, ErrMalformedPattern),
		errors.Is(err, ErrReservedName), errors.Is(err, ErrProtocol):
		return ResultData
	case errors.Is(err, ErrNotSupported):
		return ResultNotSupported
	case errors.Is(err, ErrNameTaken):
		return ResultBusy
	case errors.Is(err, ErrBackpressure):
		return ResultNotDelivered
	case errors.Is(err, ErrTimeout):
		return ResultTimeout
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrAuthFailed):
		return ResultAccess
	default:
		return ResultOther
	}
}
