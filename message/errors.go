package message

import "github.com/jmgilman/go/errors"

const (
	// CodeMalformedInput marks text input to envelope construction that is not valid JSON.
	CodeMalformedInput errors.ErrorCode = "MALFORMED_INPUT"
	// CodeTypeMismatch marks input that is neither absent, text, nor a key-value structure.
	CodeTypeMismatch errors.ErrorCode = "TYPE_MISMATCH"
)

// IsMalformedInput reports whether err is a MALFORMED_INPUT construction failure.
func IsMalformedInput(err error) bool {
	return hasCode(err, CodeMalformedInput)
}

// IsTypeMismatch reports whether err is a TYPE_MISMATCH construction failure.
func IsTypeMismatch(err error) bool {
	return hasCode(err, CodeTypeMismatch)
}

func hasCode(err error, code errors.ErrorCode) bool {
	var perr errors.PlatformError
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Code() == code
}
