package xid

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestFolioFormat(t *testing.T) {
	at := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	folio := Folio("P", at)
	if !regexp.MustCompile(`^P-20260314-[0-9A-F]{6}$`).MatchString(folio) {
		t.Fatalf("unexpected folio %q", folio)
	}
}

func TestSaleFolioForOrder(t *testing.T) {
	if got := SaleFolioForOrder("P-20260314-9F3A1C"); got != "V-20260314-9F3A1C" {
		t.Fatalf("expected V-20260314-9F3A1C, got %q", got)
	}
}

func TestNewHasPrefixAndIsUnique(t *testing.T) {
	a, b := New("audit"), New("audit")
	if !strings.HasPrefix(a, "audit-") {
		t.Fatalf("expected audit- prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
}
