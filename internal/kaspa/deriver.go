package kaspa

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
)

// AddressDeriver produces the receive address for (xpub, index). Derivation
// must be a pure function: same inputs, same address, no I/O.
type AddressDeriver interface {
	Derive(xpub string, index uint64) (string, error)
}

// xpubPattern is the shape check applied before any parsing.
var xpubPattern = regexp.MustCompile(`^(xpub|kpub)[A-Za-z0-9]{90,130}$`)

// ValidateXPub reports whether the extended public key is well formed.
func ValidateXPub(xpub string) error {
	if !xpubPattern.MatchString(xpub) {
		return fmt.Errorf("kaspa: malformed extended public key")
	}
	return nil
}

// Deriver is the default AddressDeriver. It walks an HMAC-SHA512 chain from
// the xpub to a per-index payload and encodes it with the network prefix.
type Deriver struct {
	params Params
}

// NewDeriver returns a Deriver bound to a network's address prefix.
func NewDeriver(params Params) *Deriver {
	return &Deriver{params: params}
}

// Derive returns the receive address at the given index.
func (d *Deriver) Derive(xpub string, index uint64) (string, error) {
	if err := ValidateXPub(xpub); err != nil {
		return "", err
	}

	// Parent node from the xpub material, then one non-hardened child step.
	parent := hmacSHA512([]byte("kaspa address chain"), []byte(xpub))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	child := hmacSHA512(parent[32:], append(parent[:32:32], idx[:]...))

	return d.params.AddressPrefix + ":q" + encodePayload(child[:32]), nil
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// charset is the bech32 alphabet used for the address payload.
const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// encodePayload converts 8-bit groups to 5-bit symbols, padding the tail.
func encodePayload(data []byte) string {
	var sb strings.Builder
	var acc, bits uint
	for _, b := range data {
		acc = acc<<8 | uint(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(charset[(acc>>bits)&31])
		}
	}
	if bits > 0 {
		sb.WriteByte(charset[(acc<<(5-bits))&31])
	}
	return sb.String()
}
