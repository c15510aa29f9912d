package webhook

import (
	"errors"
	"io"
	"log"
	"testing"

	"hookgate/internal"
)

func TestVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	header := Sign(body, "s3cret")
	if !Verify(body, header, "s3cret") {
		t.Fatalf("expected signature to verify")
	}
	if Verify(body, header, "other") {
		t.Fatalf("expected wrong secret to fail")
	}
}

func TestVerifyRejectsSingleByteFlip(t *testing.T) {
	body := []byte(`{"action":"opened","number":1}`)
	header := Sign(body, "s3cret")
	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		if Verify(tampered, header, "s3cret") {
			t.Fatalf("expected flip at byte %d to be rejected", i)
		}
	}
}

func TestVerifyRequiresPrefix(t *testing.T) {
	body := []byte(`{}`)
	header := Sign(body, "s3cret")
	for _, bad := range []string{
		header[len("sha256="):],
		"sha1=" + header[len("sha256="):],
		"SHA256=" + header[len("sha256="):],
		"sha256=zz",
		"",
	} {
		if Verify(body, bad, "s3cret") {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestVerifierRequiresSecretUnlessUnsignedAllowed(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	_, err := NewVerifier("", false, logger)
	var configErr *internal.ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	verifier, err := NewVerifier("", true, logger)
	if err != nil {
		t.Fatalf("unsigned verifier: %v", err)
	}
	if err := verifier.Check([]byte(`{}`), "", nil); err != nil {
		t.Fatalf("expected unsigned delivery to pass, got %v", err)
	}
}

func TestVerifierCheck(t *testing.T) {
	verifier, err := NewVerifier("s3cret", false, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	body := []byte(`{}`)
	var authErr *internal.AuthenticationError
	if err := verifier.Check(body, "", nil); !errors.As(err, &authErr) {
		t.Fatalf("expected missing signature error, got %v", err)
	}
	if err := verifier.Check(body, "sha256=00", nil); !errors.As(err, &authErr) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	if err := verifier.Check(body, Sign(body, "s3cret"), nil); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}
