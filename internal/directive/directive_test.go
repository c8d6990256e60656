package directive

import (
	"testing"
	"time"
)

func TestValidateAcceptsEmptyAndWellFormedExpressions(t *testing.T) {
	cases := []string{"", "0 * * * *", "*/15 * * * *", "0 9 * * 1-5"}
	for _, c := range cases {
		if err := Validate(c); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", c, err)
		}
	}
}

func TestValidateRejectsMalformedExpression(t *testing.T) {
	if err := Validate("not a cron expression"); err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestExpiredNeverForEmptyExpiry(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expired, err := Expired("", created, created.Add(100*365*24*time.Hour))
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if expired {
		t.Fatal("empty expiry should never expire")
	}
}

func TestExpiredTrueAfterFirstOccurrence(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expr := "0 0 * * *" // daily at midnight

	expired, err := Expired(expr, created, created.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if expired {
		t.Fatal("should not be expired before the first scheduled occurrence")
	}

	expired, err = Expired(expr, created, created.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if !expired {
		t.Fatal("should be expired after the first scheduled occurrence")
	}
}

func TestExpiredRejectsMalformedExpression(t *testing.T) {
	_, err := Expired("garbage", time.Now(), time.Now())
	if err == nil {
		t.Fatal("expected error for malformed expression")
	}
}
