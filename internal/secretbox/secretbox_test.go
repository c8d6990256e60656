package secretbox

import (
	"strings"
	"testing"

	"github.com/synapsefleet/synapse/internal/apperror"
)

func TestSealOpenRoundTrip(t *testing.T) {
	b, err := New("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := "sk-live-deadbeef"
	envelope, err := b.SealString(want)
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}

	got, err := b.OpenString(envelope)
	if err != nil {
		t.Fatalf("OpenString: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestOpenDetectsTamper(t *testing.T) {
	b, err := New("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	envelope, err := b.SealString("sensitive-value")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}

	parts := strings.SplitN(envelope, ":", 3)
	if len(parts) != 3 {
		t.Fatalf("unexpected envelope shape: %q", envelope)
	}

	// Flip a single hex nibble in the ciphertext.
	tampered := make([]byte, len(parts[2]))
	copy(tampered, parts[2])
	if tampered[0] == '0' {
		tampered[0] = '1'
	} else {
		tampered[0] = '0'
	}
	tamperedEnvelope := strings.Join([]string{parts[0], parts[1], string(tampered)}, ":")

	_, err = b.OpenString(tamperedEnvelope)
	if err == nil {
		t.Fatalf("expected IntegrityError on tamper, got nil")
	}
	if apperror.KindOf(err) != apperror.Integrity {
		t.Fatalf("expected Integrity kind, got %v", apperror.KindOf(err))
	}
}

func TestOpenRejectsMalformedEnvelope(t *testing.T) {
	b, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, bad := range []string{"", "nope", "aa:bb", "zz:zz:zz"} {
		if _, err := b.OpenString(bad); err == nil {
			t.Fatalf("expected error for malformed envelope %q", bad)
		}
	}
}

func TestNewRejectsEmptyMasterSecret(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatalf("expected error for empty master secret")
	}
	if apperror.KindOf(err) != apperror.FatalInit {
		t.Fatalf("expected FatalInit kind, got %v", apperror.KindOf(err))
	}
}

func TestDifferentKeysCannotDecryptEachOther(t *testing.T) {
	a, _ := New("key-a")
	c, _ := New("key-b")

	envelope, err := a.SealString("payload")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	if _, err := c.OpenString(envelope); err == nil {
		t.Fatalf("expected decryption with wrong key to fail")
	}
}
