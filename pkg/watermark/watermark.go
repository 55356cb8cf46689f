// Package watermark implements the LexiVersion codec: a bijective mapping
// between 64-bit Postgres WAL positions and a lexicographically sortable
// ASCII string, so replica and downstream state can be compared with plain
// string comparison instead of parsing back to integers.
package watermark

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
)

// ErrInvalidVersion is returned for malformed LexiVersion strings or LSNs.
var ErrInvalidVersion = errors.New("watermark: invalid version")

const base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"

// LexiVersion is a base-36 encoded, length-prefixed representation of a
// uint64 such that byte-wise string comparison agrees with integer order.
type LexiVersion string

// VersionToLexi encodes n as a LexiVersion: the base-36 digits of n,
// prefixed by a single base-36 digit holding len(digits)-1.
func VersionToLexi(n uint64) LexiVersion {
	digits := strconv.FormatUint(n, 36)
	prefix := base36Digits[len(digits)-1]
	return LexiVersion(strings.ToLower(string(prefix) + digits))
}

// VersionFromLexi decodes a LexiVersion back into its underlying integer.
// It rejects strings whose length-prefix does not match the digit count
// that follows.
func VersionFromLexi(v LexiVersion) (uint64, error) {
	s := string(v)
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q too short", ErrInvalidVersion, s)
	}

	prefixVal := strings.IndexByte(base36Digits, s[0])
	if prefixVal < 0 {
		return 0, fmt.Errorf("%w: %q has invalid length prefix", ErrInvalidVersion, s)
	}

	digits := s[1:]
	wantLen := prefixVal + 1
	if len(digits) != wantLen {
		return 0, fmt.Errorf("%w: %q declares %d digits but has %d", ErrInvalidVersion, s, wantLen, len(digits))
	}

	n, err := strconv.ParseUint(digits, 36, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
	}
	return n, nil
}

// OneAfter returns the LexiVersion immediately following v in integer order.
func OneAfter(v LexiVersion) (LexiVersion, error) {
	n, err := VersionFromLexi(v)
	if err != nil {
		return "", err
	}
	return VersionToLexi(n + 1), nil
}

// ToBigInt returns the 64-bit integer an LSN represents.
func ToBigInt(lsn pglogrepl.LSN) uint64 {
	return uint64(lsn)
}

// FromBigInt reconstructs an LSN from its 64-bit integer representation.
func FromBigInt(n uint64) pglogrepl.LSN {
	return pglogrepl.LSN(n)
}

// ToLexi encodes a pglogrepl.LSN as a LexiVersion; an LSN in its "H/L"
// textual form goes through ParseLSN first.
func ToLexi(lsn pglogrepl.LSN) LexiVersion {
	return VersionToLexi(ToBigInt(lsn))
}

// FromLexi decodes a LexiVersion back into an LSN.
func FromLexi(v LexiVersion) (pglogrepl.LSN, error) {
	n, err := VersionFromLexi(v)
	if err != nil {
		return 0, err
	}
	return FromBigInt(n), nil
}

// ParseLSN parses a textual "H/L" LSN, as used in replication slot
// creation responses and config.
func ParseLSN(s string) (pglogrepl.LSN, error) {
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidVersion, err)
	}
	return lsn, nil
}

// Compare returns -1, 0, or 1 according to whether a is less than, equal
// to, or greater than b, using plain string (i.e. watermark) order.
func Compare(a, b LexiVersion) int {
	return strings.Compare(string(a), string(b))
}
