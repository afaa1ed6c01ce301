// Package auth implements the single-shot request verification pipeline
// of spec.md section 4.3: length check, identity whitelist, SS58/
// checksum decode, sr25519 signature check, then nonce burn — in that
// order, so an invalid signature can never consume a legitimate
// submitter's nonce.
package auth

import (
	"encoding/hex"

	"github.com/ChainSafe/go-schnorrkel"

	"github.com/PlatformNetwork/term-executor/common"
	"github.com/PlatformNetwork/term-executor/log"
)

var logger = log.NewModuleLogger(log.ModuleAuth)

// substrateSigningContext is the fixed context string sr25519
// signatures are verified against, per spec.md section 3.
var substrateSigningContext = []byte("substrate")

// Whitelist is the subset of ValidatorDirectory the verifier needs.
type Whitelist interface {
	Contains(identity common.Identity) bool
}

// NonceChecker is the subset of NonceStore the verifier needs.
type NonceChecker interface {
	CheckAndInsert(identity common.Identity, nonce string) bool // true => Fresh
}

// Verifier performs RequestVerifier.verify from spec.md section 4.3.
type Verifier struct {
	whitelist Whitelist
	nonces    NonceChecker
}

// New builds a Verifier over the given whitelist and nonce store.
func New(whitelist Whitelist, nonces NonceChecker) *Verifier {
	return &Verifier{whitelist: whitelist, nonces: nonces}
}

// Verify runs the ordered checks and returns a user-safe *Error on
// failure. Logging carries the rejection reason; the returned error
// never echoes submitted field values.
func (v *Verifier) Verify(e Envelope) error {
	if err := checkLengths(e); err != nil {
		logger.Debug("rejected: malformed field", "code", err.Code)
		return err
	}

	if !v.whitelist.Contains(e.Identity) {
		logger.Debug("rejected: identity not whitelisted")
		return errUnauthorizedIdentity()
	}

	pubBytes, ok := decodeSS58(string(e.Identity))
	if !ok {
		logger.Debug("rejected: malformed SS58 identity")
		return errMalformedIdentity()
	}

	sigBytes, err := hex.DecodeString(e.SignatureHex)
	if err != nil || len(sigBytes) != 64 {
		logger.Debug("rejected: malformed signature encoding")
		return errMalformedField("signature_hex")
	}

	pub := &schnorrkel.PublicKey{}
	if err := pub.Decode(pubBytes); err != nil {
		logger.Debug("rejected: malformed public key")
		return errMalformedIdentity()
	}

	var sigArr [64]byte
	copy(sigArr[:], sigBytes)
	sig := &schnorrkel.Signature{}
	if err := sig.Decode(sigArr); err != nil {
		logger.Debug("rejected: malformed signature")
		return errMalformedField("signature_hex")
	}

	transcript := schnorrkel.NewSigningContext(substrateSigningContext, e.SignedMessage())
	ok, err = pub.Verify(sig, transcript)
	if err != nil || !ok {
		logger.Debug("rejected: signature verification failed")
		return errInvalidSignature()
	}

	// Nonce is burned only after every earlier check has passed.
	if fresh := v.nonces.CheckAndInsert(e.Identity, e.Nonce); !fresh {
		logger.Debug("rejected: nonce reused")
		return errNonceReused()
	}

	return nil
}

func checkLengths(e Envelope) *Error {
	if len(e.Identity) == 0 || len(e.Identity) > common.MaxIdentityBytes {
		return errMalformedField("identity")
	}
	if len(e.Nonce) == 0 || len(e.Nonce) > common.MaxNonceBytes || !isPrintableASCII(e.Nonce) {
		return errMalformedField("nonce")
	}
	if len(e.SignatureHex) == 0 || len(e.SignatureHex) > common.MaxSignatureHexBytes {
		return errMalformedField("signature_hex")
	}
	return nil
}

func isPrintableASCII(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
