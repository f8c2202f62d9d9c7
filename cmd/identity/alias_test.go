package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestAlias_GenerateParseRoundTrip(t *testing.T) {
	t.Parallel()

	var c AliasCodec
	cases := []struct {
		realm, zone string
		major       int
	}{
		{"enterprise", "prod", 2},
		{"a", "b", 0},
		{strings.Repeat("r", MaxLabelLen), strings.Repeat("Z", MaxLabelLen), MaxMajorVersion},
		{"tenant", "ns-0123456789abcdef01234567", 1},
		{"with_under", "with-dash", 10},
	}

	for _, tc := range cases {
		a, err := c.Generate(tc.realm, tc.zone, tc.major)
		if err != nil {
			t.Fatalf("Generate(%q,%q,%d): %v", tc.realm, tc.zone, tc.major, err)
		}

		text := a.String()
		if !c.Validate(text) {
			t.Fatalf("Validate(%q)=false", text)
		}

		got, err := c.Parse(text)
		if err != nil {
			t.Fatalf("Parse(%q): %v", text, err)
		}
		if got != a {
			t.Fatalf("round trip mismatch: got=%+v want=%+v", got, a)
		}
		if got.String() != text {
			t.Fatalf("String()=%q want=%q", got.String(), text)
		}
	}
}

func TestAlias_WireFormat(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	c := AliasCodec{NewID: func() (uuid.UUID, error) { return id, nil }}

	a, err := c.Generate("enterprise", "prod", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	const core = "enterprise/prod/v2.00112233445566778899aabbccddeeff"
	if a.Core() != core {
		t.Fatalf("Core()=%q want=%q", a.Core(), core)
	}
	s := a.String()
	if !strings.HasPrefix(s, core+"-") || len(s) != len(core)+1+8 {
		t.Fatalf("unexpected wire form %q", s)
	}
}

func TestAlias_ChecksumCorruption(t *testing.T) {
	t.Parallel()

	var c AliasCodec
	a, err := c.Generate("enterprise", "prod", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	text := a.String()
	start := len(text) - 8

	for i := start; i < len(text); i++ {
		for _, repl := range []byte{'0', 'f', 'x', 'Z', '-', '~'} {
			if text[i] == repl {
				continue
			}
			b := []byte(text)
			b[i] = repl
			_, err := c.Parse(string(b))
			if !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("flip pos=%d to %q: want ErrChecksumMismatch, got %v", i, repl, err)
			}
			if c.Validate(string(b)) {
				t.Fatalf("Validate accepted corrupted alias %q", b)
			}
		}
	}
}

func TestAlias_CoreTamperingDetected(t *testing.T) {
	t.Parallel()

	var c AliasCodec
	a, err := c.Generate("enterprise", "prod", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tampered := strings.Replace(a.String(), "/prod/", "/prod2/", 1)
	if _, err := c.Parse(tampered); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("want ErrChecksumMismatch, got %v", err)
	}
}

func TestAlias_ParseInvalidFormat(t *testing.T) {
	t.Parallel()

	var c AliasCodec
	a, err := c.Generate("enterprise", "prod", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	good := a.String()
	uid := good[strings.Index(good, ".")+1 : strings.LastIndex(good, "-")]

	cases := map[string]string{
		"empty":           "",
		"no separators":   strings.Repeat("a", 60),
		"upper hex uid":   strings.Replace(good, uid, strings.ToUpper(uid), 1),
		"short uid":       "enterprise/prod/v2." + uid[:31] + "-00000000",
		"missing v":       strings.Replace(good, "/v2.", "/2..", 1),
		"leading zero":    strings.Replace(good, "/v2.", "/v02.", 1),
		"extra segment":   strings.Replace(good, "enterprise/", "a/enterprise/", 1),
		"bad realm char":  strings.Replace(good, "enterprise", "enter prise", 1),
		"too long":        strings.Repeat("r", 60) + good,
		"space checksum":  good[:len(good)-1] + " ",
		"missing dash":    good[:len(good)-9] + "_" + good[len(good)-8:],
		"major too large": "enterprise/prod/v10000." + uid + "-00000000",
	}

	for name, in := range cases {
		if _, err := c.Parse(in); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("%s: Parse(%q) want ErrInvalidFormat, got %v", name, in, err)
		}
	}
}

func TestAlias_GenerateFieldOutOfRange(t *testing.T) {
	t.Parallel()

	var c AliasCodec
	cases := []struct {
		realm, zone string
		major       int
	}{
		{"", "prod", 1},
		{"realm", "", 1},
		{strings.Repeat("r", MaxLabelLen+1), "prod", 1},
		{"re/alm", "prod", 1},
		{"realm", "prod", -1},
		{"realm", "prod", MaxMajorVersion + 1},
	}

	for _, tc := range cases {
		if _, err := c.Generate(tc.realm, tc.zone, tc.major); !errors.Is(err, ErrFieldOutOfRange) {
			t.Fatalf("Generate(%q,%q,%d) want ErrFieldOutOfRange, got %v", tc.realm, tc.zone, tc.major, err)
		}
	}
}

func TestAlias_UniqueIDsDiffer(t *testing.T) {
	t.Parallel()

	var c AliasCodec
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		a, err := c.Generate("r", "z", 1)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if _, dup := seen[a.String()]; dup {
			t.Fatalf("duplicate alias %q", a.String())
		}
		seen[a.String()] = struct{}{}
	}
}
