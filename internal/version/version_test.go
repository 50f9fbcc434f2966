package version

import (
	"strings"
	"testing"
)

func TestStringUsesLinkerValues(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })

	Version = "v1.2.3"
	Commit = "0123456789abcdef0123"
	got := String()
	if !strings.HasPrefix(got, "v1.2.3 (0123456789ab") {
		t.Fatalf("String() = %q", got)
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	oldV := Version
	t.Cleanup(func() { Version = oldV })

	Version = ""
	if Resolve().Version == "" {
		t.Fatal("empty version")
	}
}
