package shmif

import (
	"strings"
	"testing"
)

func TestNextKeyProbesUntilFree(t *testing.T) {
	taken := map[string]bool{"probe_0": true, "probe_1": true}
	old := keyspaceProbe
	defer func() { keyspaceProbe = old }()
	keyspaceProbe = func(name string) bool { return taken[name] }

	key, err := NextKey("probe")
	if err != nil {
		t.Fatalf("NextKey: %v", err)
	}
	if key != "probe_2" {
		t.Fatalf("key = %q, want probe_2", key)
	}
}

func TestNextKeyEndsInDigit(t *testing.T) {
	old := keyspaceProbe
	defer func() { keyspaceProbe = old }()
	keyspaceProbe = func(string) bool { return false }

	key, err := NextKey("")
	if err != nil {
		t.Fatalf("NextKey: %v", err)
	}
	last := key[len(key)-1]
	if last < '0' || last > '9' {
		t.Fatalf("key %q does not end in a digit", key)
	}
}

func TestNextKeyExhaustion(t *testing.T) {
	old := keyspaceProbe
	defer func() { keyspaceProbe = old }()
	keyspaceProbe = func(string) bool { return true }

	if _, err := NextKey("busy"); err == nil {
		t.Fatal("expected error when every candidate is taken")
	}
}

func TestSemaphoreNameReplacesLastByte(t *testing.T) {
	for _, tc := range []struct {
		key    string
		suffix byte
		want   string
	}{
		{"afsrv_7", 'v', "afsrv_v"},
		{"afsrv_7", 'a', "afsrv_a"},
		{"afsrv_7", 'e', "afsrv_e"},
	} {
		got, err := SemaphoreName(tc.key, tc.suffix)
		if err != nil {
			t.Fatalf("SemaphoreName(%q, %q): %v", tc.key, tc.suffix, err)
		}
		if got != tc.want {
			t.Errorf("SemaphoreName(%q, %q) = %q, want %q", tc.key, tc.suffix, got, tc.want)
		}
		if !strings.HasPrefix(got, tc.key[:len(tc.key)-1]) {
			t.Errorf("SemaphoreName(%q) changed more than the last byte: %q", tc.key, got)
		}
	}
}

func TestSemaphoreNameEmptyKey(t *testing.T) {
	if _, err := SemaphoreName("", 'v'); err == nil {
		t.Fatal("expected error for empty key")
	}
}
