package auth

import (
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// ss58ChecksumPrefix is prepended to prefix||payload before hashing, per
// the Substrate SS58 address format (spec.md section 3/9).
const ss58ChecksumPrefix = "SS58PRE"

// ss58Layout is the expected decoded length: 1 network prefix byte, 32
// sr25519 public-key bytes, 2 checksum bytes.
const ss58Layout = 1 + 32 + 2

// decodeSS58 base58-decodes identity and validates its checksum,
// returning the 32-byte sr25519 public key embedded in it.
func decodeSS58(identity string) ([32]byte, bool) {
	var pub [32]byte

	raw, err := base58.Decode(identity)
	if err != nil || len(raw) != ss58Layout {
		return pub, false
	}

	prefix := raw[0]
	payload := raw[1:33]
	checksum := raw[33:35]

	h, err := blake2b.New512(nil)
	if err != nil {
		return pub, false
	}
	h.Write([]byte(ss58ChecksumPrefix))
	h.Write([]byte{prefix})
	h.Write(payload)
	sum := h.Sum(nil)

	if sum[0] != checksum[0] || sum[1] != checksum[1] {
		return pub, false
	}

	copy(pub[:], payload)
	return pub, true
}
