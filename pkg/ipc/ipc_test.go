package ipc

import (
	"testing"
	"time"
)

func TestDeriveTaskIDIsDeterministic(t *testing.T) {
	a := deriveTaskID("main", "2026-01-01T00:00:00Z", "do the thing")
	b := deriveTaskID("main", "2026-01-01T00:00:00Z", "do the thing")
	if a != b {
		t.Errorf("deriveTaskID is not deterministic: %q != %q", a, b)
	}
}

func TestDeriveTaskIDDiffersOnAnyField(t *testing.T) {
	base := deriveTaskID("main", "2026-01-01T00:00:00Z", "prompt")
	cases := []string{
		deriveTaskID("other", "2026-01-01T00:00:00Z", "prompt"),
		deriveTaskID("main", "2026-01-02T00:00:00Z", "prompt"),
		deriveTaskID("main", "2026-01-01T00:00:00Z", "different"),
	}
	for _, c := range cases {
		if c == base {
			t.Errorf("deriveTaskID collided across distinct inputs: %q", c)
		}
	}
}

func TestParseMillisRejectsNonNumeric(t *testing.T) {
	if _, err := parseMillis("soon"); err == nil {
		t.Error("expected an error for a non-numeric interval")
	}
	v, err := parseMillis("1500")
	if err != nil || v != 1500 {
		t.Errorf("parseMillis(1500) = (%d, %v), want (1500, nil)", v, err)
	}
}

func TestCronNextFromNowReturnsAFutureTime(t *testing.T) {
	next, err := cronNextFromNow("*/5 * * * *", time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.After(time.Now().Add(-time.Minute)) {
		t.Errorf("next = %v, want a near-future occurrence", next)
	}
}

func TestCronNextFromNowRejectsInvalidExpr(t *testing.T) {
	if _, err := cronNextFromNow("not a cron", time.UTC); err == nil {
		t.Error("expected an error for an invalid cron expression")
	}
}
