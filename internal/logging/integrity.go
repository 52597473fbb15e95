package logging

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"netshield/internal/model"
)

// SecretEnvVar names the environment variable holding the log signing
// secret. Without it each session generates a random secret, which still
// detects tampering within the session but cannot be re-verified later.
const SecretEnvVar = "NETSHIELD_LOG_SECRET"

// sigHexLen is the truncated signature length in hex characters.
const sigHexLen = 16

// Signer produces per-record HMAC-SHA256 tags, truncated for log
// compactness. Truncation trades collision resistance for readability;
// 64 bits is ample for detecting casual log tampering.
type Signer struct {
	secret []byte
}

// NewSigner builds a signer from the environment secret, or a random
// session-local one when the variable is unset.
func NewSigner() (*Signer, error) {
	if secret := os.Getenv(SecretEnvVar); secret != "" {
		return &Signer{secret: []byte(secret)}, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate log secret: %w", err)
	}
	log.Printf("WARN: %s not set, using a random session secret; logs cannot be re-verified after exit", SecretEnvVar)
	return &Signer{secret: secret}, nil
}

// NewSignerWithSecret builds a signer over a known secret.
func NewSignerWithSecret(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the truncated hex HMAC of data.
func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))[:sigHexLen]
}

// Verify reports whether sig matches data.
func (s *Signer) Verify(data []byte, sig string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(sig))
}

// SignEvent marshals the event with its signature field cleared, signs the
// canonical bytes, and returns the final line with the signature set.
func (s *Signer) SignEvent(ev model.ThreatEvent) ([]byte, error) {
	ev.Sig = ""
	canonical, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	ev.Sig = s.Sign(canonical)
	signed, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed event: %w", err)
	}
	return signed, nil
}

// VerifyEventLine re-derives the signature of one JSONL event line.
func (s *Signer) VerifyEventLine(line []byte) error {
	var ev model.ThreatEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return fmt.Errorf("unparseable event: %w", err)
	}
	if ev.Sig == "" {
		return fmt.Errorf("event carries no signature")
	}
	sig := ev.Sig
	ev.Sig = ""
	canonical, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to re-marshal event: %w", err)
	}
	if !s.Verify(canonical, sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
