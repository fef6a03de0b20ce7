package snode

import "strings"

// base32zAlphabet is Zooko's base32 alphabet, chosen to avoid visually
// similar characters. No pack dependency implements this nonstandard
// alphabet (DESIGN.md), so it is hand-rolled here the same way
// encoding/base32 rolls the RFC 4648 alphabet.
const base32zAlphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

// EncodeBase32z encodes data using Zooko's base32 alphabet, used to derive
// a service node's .snode hostname from its legacy public key.
func EncodeBase32z(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	var out strings.Builder
	out.Grow((len(data)*8 + 4) / 5)

	var buffer uint32
	bits := 0
	for _, b := range data {
		buffer = (buffer << 8) | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out.WriteByte(base32zAlphabet[(buffer>>uint(bits))&0x1f])
		}
	}
	if bits > 0 {
		out.WriteByte(base32zAlphabet[(buffer<<uint(5-bits))&0x1f])
	}
	return out.String()
}

// DecodeBase32z decodes a Zooko base32-encoded string back to raw bytes.
func DecodeBase32z(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}

	index := make(map[byte]uint32, len(base32zAlphabet))
	for i := 0; i < len(base32zAlphabet); i++ {
		index[base32zAlphabet[i]] = uint32(i)
	}

	out := make([]byte, 0, len(s)*5/8)
	var buffer uint32
	bits := 0
	for i := 0; i < len(s); i++ {
		v, ok := index[s[i]]
		if !ok {
			return nil, errInvalidBase32z(s[i])
		}
		buffer = (buffer << 5) | v
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buffer>>uint(bits)))
		}
	}
	return out, nil
}

type errInvalidBase32z byte

func (e errInvalidBase32z) Error() string {
	return "invalid base32z character: " + string(rune(e))
}
