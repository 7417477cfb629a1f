// Package id generates and parses Sandchest public identifiers.
//
// An identifier is a 128-bit UUIDv7 (48-bit millisecond timestamp in the
// high bits, CSPRNG tail) rendered as <prefix>_<base62> where the base62
// section is always 22 characters. IDs minted in the same millisecond sort
// byte-wise in mint order as long as the random tail does not wrap; callers
// must not rely on sub-millisecond ordering.
package id

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/google/uuid"
)

// Prefix tags a public identifier with its resource type.
type Prefix string

const (
	PrefixSandbox  Prefix = "sb"
	PrefixExec     Prefix = "ex"
	PrefixSession  Prefix = "sess"
	PrefixArtifact Prefix = "art"
	PrefixImage    Prefix = "img"
	PrefixProfile  Prefix = "prof"
	PrefixNode     Prefix = "node"
	PrefixProject  Prefix = "proj"
)

const (
	alphabet   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	encodedLen = 22
	rawLen     = 16
	radix      = 62
	separator  = '_'
)

var knownPrefixes = map[Prefix]bool{
	PrefixSandbox:  true,
	PrefixExec:     true,
	PrefixSession:  true,
	PrefixArtifact: true,
	PrefixImage:    true,
	PrefixProfile:  true,
	PrefixNode:     true,
	PrefixProject:  true,
}

var decodeTable = buildDecodeTable()

func buildDecodeTable() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		t[alphabet[i]] = int8(i)
	}
	return t
}

// New mints a fresh identifier with the given prefix.
func New(p Prefix) (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("id: generate uuidv7: %w", err)
	}
	return Encode(p, u), nil
}

// MustNew is New for call sites where a CSPRNG failure is unrecoverable.
func MustNew(p Prefix) string {
	s, err := New(p)
	if err != nil {
		panic(err)
	}
	return s
}

// Encode renders raw 16 bytes as the canonical public form.
func Encode(p Prefix, raw [rawLen]byte) string {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(raw[i])
		lo = lo<<8 | uint64(raw[8+i])
	}

	// Long division of the 128-bit value by 62, least significant digit
	// last, left-padded with '0' to the canonical width.
	var buf [encodedLen]byte
	for i := encodedLen - 1; i >= 0; i-- {
		qHi, rem := bits.Div64(0, hi, radix)
		qLo, rem := bits.Div64(rem, lo, radix)
		buf[i] = alphabet[rem]
		hi, lo = qHi, qLo
	}

	var sb strings.Builder
	sb.Grow(len(p) + 1 + encodedLen)
	sb.WriteString(string(p))
	sb.WriteByte(separator)
	sb.Write(buf[:])
	return sb.String()
}

// Parse validates a public identifier and returns its prefix and raw bytes.
// Parsing is total: malformed input yields an error, never a panic.
func Parse(s string) (Prefix, [rawLen]byte, error) {
	var raw [rawLen]byte

	idx := strings.IndexByte(s, separator)
	if idx <= 0 {
		return "", raw, fmt.Errorf("id: missing prefix separator in %q", s)
	}
	p := Prefix(s[:idx])
	if !knownPrefixes[p] {
		return "", raw, fmt.Errorf("id: unknown prefix %q", string(p))
	}
	body := s[idx+1:]
	if len(body) != encodedLen {
		return "", raw, fmt.Errorf("id: expected %d base62 characters, got %d", encodedLen, len(body))
	}

	var hi, lo uint64
	for i := 0; i < encodedLen; i++ {
		d := decodeTable[body[i]]
		if d < 0 {
			return "", raw, fmt.Errorf("id: invalid base62 character %q", body[i])
		}
		// value = value*62 + d across the 128-bit pair.
		if hi >= 1<<58 { // 62*hi would overflow the high limb
			return "", raw, fmt.Errorf("id: value out of 128-bit range")
		}
		prodHi, prodLo := bits.Mul64(lo, radix)
		newLo, carry := bits.Add64(prodLo, uint64(d), 0)
		hi = hi*radix + prodHi + carry
		lo = newLo
	}

	for i := 7; i >= 0; i-- {
		raw[i] = byte(hi)
		raw[8+i] = byte(lo)
		hi >>= 8
		lo >>= 8
	}
	return p, raw, nil
}

// Validate reports whether s is a well-formed identifier carrying prefix p.
func Validate(p Prefix, s string) error {
	got, _, err := Parse(s)
	if err != nil {
		return err
	}
	if got != p {
		return fmt.Errorf("id: expected %s identifier, got %s", p, got)
	}
	return nil
}
