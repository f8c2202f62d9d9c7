package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"aegis/cmd/identity"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestAliasGenerateThenInspect(t *testing.T) {
	out, err := run(t, "alias", "generate", "--realm", "enterprise", "--zone", "prod", "--major", "2", "-n", "3")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	lines := strings.Fields(out)
	if len(lines) != 3 {
		t.Fatalf("expected 3 aliases, got %q", out)
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "enterprise/prod/v2.") || !identity.ValidAlias(l) {
			t.Fatalf("bad alias %q", l)
		}
	}

	out, err = run(t, "alias", "inspect", "--json", lines[0])
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var rep aliasReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v (%q)", err, out)
	}
	if !rep.Valid || rep.Realm != "enterprise" || rep.Zone != "prod" || rep.Major != 2 || len(rep.UniqueID) != 32 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestAliasInspectRejects(t *testing.T) {
	good, err := identity.AliasCodec{}.Generate("aegis", "auth", 1)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	s := good.String()
	corrupt := s[:len(s)-1] + string("0123456789abcdef"[(strings.IndexByte("0123456789abcdef", s[len(s)-1])+1)%16])

	cases := []struct {
		name  string
		alias string
		want  error
	}{
		{"checksum", corrupt, identity.ErrChecksumMismatch},
		{"format", "not-an-alias", identity.ErrInvalidFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := run(t, "alias", "inspect", "--json", tc.alias)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var rep aliasReport
			if jerr := json.Unmarshal([]byte(out), &rep); jerr != nil || rep.Valid || rep.Kind == "" {
				t.Fatalf("report %q (%v)", out, jerr)
			}
		})
	}
}

func TestKeygen(t *testing.T) {
	cases := []struct {
		args    []string
		prefix  string
		hexLen  int
		wantErr bool
	}{
		{args: []string{"keygen"}, prefix: "AEGIS_SIGNING_KEY_HEX=", hexLen: 64},
		{args: []string{"keygen", "--kind", "signing", "--bytes", "64"}, prefix: "AEGIS_SIGNING_KEY_HEX=", hexLen: 128},
		{args: []string{"keygen", "--kind", "namespace", "--plain"}, hexLen: 64},
		{args: []string{"keygen", "--kind", "fingerprint"}, prefix: "AEGIS_FINGERPRINT_KEY=", hexLen: 64},
		{args: []string{"keygen", "--kind", "signing", "--bytes", "16"}, wantErr: true},
		{args: []string{"keygen", "--kind", "namespace", "--bytes", "64"}, wantErr: true},
		{args: []string{"keygen", "--kind", "rsa"}, wantErr: true},
	}
	for _, tc := range cases {
		out, err := run(t, tc.args...)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%v: expected error", tc.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		line := strings.TrimSpace(out)
		if !strings.HasPrefix(line, tc.prefix) {
			t.Fatalf("%v: output %q lacks prefix %q", tc.args, line, tc.prefix)
		}
		v := strings.TrimPrefix(line, tc.prefix)
		if _, err := hex.DecodeString(v); err != nil || len(v) != tc.hexLen {
			t.Fatalf("%v: value %q is not %d hex chars", tc.args, v, tc.hexLen)
		}
	}
}
