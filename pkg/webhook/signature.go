package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"

	"hookgate/internal"
)

const signaturePrefix = "sha256="

// Verify reports whether header is the sha256= HMAC of body under secret.
func Verify(body []byte, header, secret string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks deliveries against the configured webhook secret.
type Verifier struct {
	secret   string
	unsigned bool
	logger   *log.Logger
}

// NewVerifier refuses an empty secret unless unsigned deliveries were
// explicitly allowed.
func NewVerifier(secret string, allowUnsigned bool, logger *log.Logger) (*Verifier, error) {
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	if secret == "" {
		if !allowUnsigned {
			return nil, &internal.ConfigurationError{Setting: "github.webhook_secret", Reason: "is required unless github.allow_unsigned_webhooks is set"}
		}
		logger.Printf("WARNING: webhook signature verification is DISABLED; every delivery will be accepted unsigned")
	}
	return &Verifier{secret: secret, unsigned: secret == "", logger: logger}, nil
}

// Check returns an AuthenticationError when header does not sign body.
func (v *Verifier) Check(body []byte, header string, logger *log.Logger) error {
	if v.unsigned {
		if logger == nil {
			logger = v.logger
		}
		logger.Printf("WARNING: accepting unsigned delivery (verification disabled)")
		return nil
	}
	if header == "" {
		return &internal.AuthenticationError{Reason: "missing signature"}
	}
	if !Verify(body, header, v.secret) {
		return &internal.AuthenticationError{Reason: "signature mismatch"}
	}
	return nil
}
