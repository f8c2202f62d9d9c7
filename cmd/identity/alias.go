package identity

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Alias wire format:
//
//	<realm>/<zone>/v<major>.<unique_id>-<checksum>
//
// unique_id is a 128-bit UUID rendered as 32 lowercase hex characters and
// checksum is CRC32-IEEE over everything before the final "-", rendered as
// 8 lowercase hex characters.
const (
	MaxLabelLen     = 32
	MaxMajorVersion = 9999

	uniqueIDLen = 32
	checksumLen = 8

	// "/" + "/v" + "." + "-"
	aliasSeparators = 5
	maxAliasLen     = 2*MaxLabelLen + 4 + uniqueIDLen + checksumLen + aliasSeparators
	minAliasLen     = 2 + 1 + uniqueIDLen + checksumLen + aliasSeparators
)

// Alias is a structured, self-checking identifier carried as a token's subject.
type Alias struct {
	Realm    string
	Zone     string
	Major    int
	UniqueID uuid.UUID
	Checksum uint32
}

// Core returns the checksummed portion: "<realm>/<zone>/v<major>.<unique_id>".
func (a Alias) Core() string {
	return a.Realm + "/" + a.Zone + "/v" + strconv.Itoa(a.Major) + "." + hex.EncodeToString(a.UniqueID[:])
}

// String renders the canonical wire form.
func (a Alias) String() string {
	return fmt.Sprintf("%s-%08x", a.Core(), a.Checksum)
}

// IsZero reports whether a is the zero Alias.
func (a Alias) IsZero() bool {
	return a.Realm == "" && a.Zone == "" && a.UniqueID == uuid.Nil
}

// AliasCodec generates, parses and validates aliases.
// The zero value is ready to use.
type AliasCodec struct {
	// NewID overrides the unique_id source (tests). Defaults to uuid.NewRandom.
	NewID func() (uuid.UUID, error)
}

var defaultCodec AliasCodec

// ParseAlias parses text with the default codec.
func ParseAlias(text string) (Alias, error) { return defaultCodec.Parse(text) }

// ValidAlias reports whether text is a well-formed alias with a matching checksum.
func ValidAlias(text string) bool { return defaultCodec.Validate(text) }

// Generate builds a new alias with a fresh unique_id.
func (c AliasCodec) Generate(realm, zone string, major int) (Alias, error) {
	const op = "identity.AliasCodec.Generate"

	if !validLabel(realm) {
		return Alias{}, Failf(op, ErrFieldOutOfRange, "realm must be 1..%d chars of [A-Za-z0-9_-]", MaxLabelLen)
	}
	if !validLabel(zone) {
		return Alias{}, Failf(op, ErrFieldOutOfRange, "zone must be 1..%d chars of [A-Za-z0-9_-]", MaxLabelLen)
	}
	if major < 0 || major > MaxMajorVersion {
		return Alias{}, Failf(op, ErrFieldOutOfRange, "major version must be in [0..%d]", MaxMajorVersion)
	}

	newID := c.NewID
	if newID == nil {
		newID = uuid.NewRandom
	}
	id, err := newID()
	if err != nil {
		return Alias{}, fmt.Errorf("%s: unique id: %w", op, err)
	}

	a := Alias{Realm: realm, Zone: zone, Major: major, UniqueID: id}
	a.Checksum = crc32.ChecksumIEEE([]byte(a.Core()))
	return a, nil
}

// Parse strictly parses text. Structural problems yield ErrInvalidFormat;
// a well-formed alias whose checksum does not match yields ErrChecksumMismatch.
func (c AliasCodec) Parse(text string) (Alias, error) {
	p, err := scanAlias(text)
	if err != nil {
		return Alias{}, err
	}

	var a Alias
	a.Realm, a.Zone, a.Major = p.realm, p.zone, p.major
	if _, err := hex.Decode(a.UniqueID[:], []byte(p.uniqueID)); err != nil {
		return Alias{}, Fail("identity.AliasCodec.Parse", ErrInvalidFormat, "unique_id is not hex")
	}
	sum, _ := strconv.ParseUint(p.checksum, 16, 32) // verified by scanAlias
	a.Checksum = uint32(sum)
	return a, nil
}

// Validate performs the same checks as Parse without materializing an Alias.
func (c AliasCodec) Validate(text string) bool {
	_, err := scanAlias(text)
	return err == nil
}

type aliasParts struct {
	realm, zone string
	major       int
	uniqueID    string
	checksum    string
}

// scanAlias walks the alias from the fixed-width tail backwards.
// The checksum slot accepts any printable ASCII so a corrupted checksum is
// reported as a mismatch rather than a format error.
func scanAlias(text string) (aliasParts, error) {
	const op = "identity.AliasCodec.Parse"

	n := len(text)
	if n < minAliasLen || n > maxAliasLen {
		return aliasParts{}, Fail(op, ErrInvalidFormat, "length out of bounds")
	}

	sum := text[n-checksumLen:]
	for i := 0; i < len(sum); i++ {
		if sum[i] < 0x21 || sum[i] > 0x7e {
			return aliasParts{}, Fail(op, ErrInvalidFormat, "checksum has non-printable characters")
		}
	}
	if text[n-checksumLen-1] != '-' {
		return aliasParts{}, Fail(op, ErrInvalidFormat, "missing checksum separator")
	}

	core := text[:n-checksumLen-1]
	uid := core[len(core)-uniqueIDLen:]
	if !isLowerHex(uid) {
		return aliasParts{}, Fail(op, ErrInvalidFormat, "unique_id must be 32 lowercase hex characters")
	}
	if core[len(core)-uniqueIDLen-1] != '.' {
		return aliasParts{}, Fail(op, ErrInvalidFormat, "missing unique_id separator")
	}

	head := core[:len(core)-uniqueIDLen-1]
	fields := strings.Split(head, "/")
	if len(fields) != 3 {
		return aliasParts{}, Fail(op, ErrInvalidFormat, "expected <realm>/<zone>/v<major>")
	}
	if !validLabel(fields[0]) || !validLabel(fields[1]) {
		return aliasParts{}, Fail(op, ErrInvalidFormat, "realm and zone must be 1..32 chars of [A-Za-z0-9_-]")
	}
	major, ok := parseMajor(fields[2])
	if !ok {
		return aliasParts{}, Fail(op, ErrInvalidFormat, "major version must be v0..v9999")
	}

	want := fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(core)))
	if subtle.ConstantTimeCompare([]byte(want), []byte(sum)) != 1 {
		return aliasParts{}, Fail(op, ErrChecksumMismatch, "checksum does not match alias core")
	}

	return aliasParts{
		realm:    fields[0],
		zone:     fields[1],
		major:    major,
		uniqueID: uid,
		checksum: sum,
	}, nil
}

func validLabel(s string) bool {
	if len(s) == 0 || len(s) > MaxLabelLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func parseMajor(s string) (int, bool) {
	if len(s) < 2 || len(s) > 5 || s[0] != 'v' {
		return 0, false
	}
	digits := s[1:]
	if len(digits) > 1 && digits[0] == '0' {
		return 0, false
	}
	n := 0
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
