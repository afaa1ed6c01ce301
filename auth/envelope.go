package auth

import "github.com/PlatformNetwork/term-executor/common"

// Envelope is the signed submission header carried on every POST
// /submit as the X-Hotkey / X-Nonce / X-Signature headers.
type Envelope struct {
	Identity     common.Identity
	Nonce        string
	SignatureHex string
}

// SignedMessage is the exact byte sequence the signature covers:
// concat(identity, nonce), per spec.md section 3.
func (e Envelope) SignedMessage() []byte {
	return append([]byte(e.Identity), []byte(e.Nonce)...)
}
