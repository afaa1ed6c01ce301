package auth

// Code is a short machine code for an AuthError, safe to return to
// clients per spec.md section 4.3.
type Code string

const (
	CodeUnauthorizedIdentity Code = "unauthorized_identity"
	CodeMalformedIdentity    Code = "malformed_identity"
	CodeNonceReused          Code = "nonce_reused"
	CodeInvalidSignature     Code = "invalid_signature"
	CodeMalformedField       Code = "malformed_field"
)

// Error is the user-safe error surfaced by RequestVerifier.Verify. It
// never echoes submitted field values.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func errUnauthorizedIdentity() *Error {
	return &Error{Code: CodeUnauthorizedIdentity, Message: "identity is not an authorized validator"}
}

func errMalformedIdentity() *Error {
	return &Error{Code: CodeMalformedIdentity, Message: "identity is not a valid SS58 address"}
}

func errNonceReused() *Error {
	return &Error{Code: CodeNonceReused, Message: "nonce has already been used"}
}

func errInvalidSignature() *Error {
	return &Error{Code: CodeInvalidSignature, Message: "signature verification failed"}
}

func errMalformedField(field string) *Error {
	return &Error{Code: CodeMalformedField, Message: field + " is malformed or out of bounds"}
}
