package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// SignatureValidity is how long the broker accepts a signed timestamp.
const SignatureValidity = 30 * time.Second

// Header names used by the broker.
const (
	HeaderAPIKey    = "x-api-key"
	HeaderSignature = "x-signature"
	HeaderTimestamp = "x-timestamp"
)

// Signer produces Ed25519 request signatures. The signed message is
// api_key + timestamp + path + method + body, with path including any query
// string and body the compact JSON actually sent.
type Signer struct {
	apiKey string
	source KeyConfig
	now    func() time.Time

	mu   sync.RWMutex
	priv ed25519.PrivateKey
}

// NewSigner loads the key from src and returns a Signer for apiKey.
func NewSigner(apiKey string, src KeyConfig) (*Signer, error) {
	if apiKey == "" {
		return nil, errors.New("crypto: api key must not be empty")
	}
	seed, err := LoadSeed(src)
	if err != nil {
		return nil, err
	}
	return &Signer{
		apiKey: apiKey,
		source: src,
		now:    time.Now,
		priv:   ed25519.NewKeyFromSeed(seed),
	}, nil
}

// Sign returns the authentication headers for a request signed now.
func (s *Signer) Sign(method, path string, body []byte) (map[string]string, error) {
	return s.SignAt(method, path, body, s.now())
}

// SignAt signs with an explicit timestamp.
func (s *Signer) SignAt(method, path string, body []byte, at time.Time) (map[string]string, error) {
	s.mu.RLock()
	priv := s.priv
	s.mu.RUnlock()
	if priv == nil {
		return nil, errors.New("crypto: signer has no key")
	}

	ts := strconv.FormatInt(at.Unix(), 10)
	sig := ed25519.Sign(priv, message(s.apiKey, ts, path, method, body))

	return map[string]string{
		HeaderAPIKey:    s.apiKey,
		HeaderSignature: base64.StdEncoding.EncodeToString(sig),
		HeaderTimestamp: ts,
	}, nil
}

// Refresh reloads the key from its source. The gateway calls it once after
// the broker rejects credentials, which picks up a rotated key file.
func (s *Signer) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seed, err := LoadSeed(s.source)
	if err != nil {
		return fmt.Errorf("crypto: refresh key: %w", err)
	}
	s.mu.Lock()
	s.priv = ed25519.NewKeyFromSeed(seed)
	s.mu.Unlock()
	return nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priv.Public().(ed25519.PublicKey)
}

// String never includes key material.
func (s *Signer) String() string {
	return fmt.Sprintf("crypto.Signer{api_key=%s}", maskKey(s.apiKey))
}

// Verify checks headers produced by Sign against pub. It also rejects
// timestamps older than SignatureValidity relative to now.
func Verify(pub ed25519.PublicKey, headers map[string]string, method, path string, body []byte, now time.Time) error {
	ts := headers[HeaderTimestamp]
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: invalid timestamp %q", ts)
	}
	if age := now.Sub(time.Unix(secs, 0)); age > SignatureValidity || age < -SignatureValidity {
		return fmt.Errorf("crypto: timestamp outside %s validity window", SignatureValidity)
	}
	sig, err := base64.StdEncoding.DecodeString(headers[HeaderSignature])
	if err != nil {
		return fmt.Errorf("crypto: decoding signature: %w", err)
	}
	if !ed25519.Verify(pub, message(headers[HeaderAPIKey], ts, path, method, body), sig) {
		return errors.New("crypto: signature mismatch")
	}
	return nil
}

func message(apiKey, ts, path, method string, body []byte) []byte {
	msg := make([]byte, 0, len(apiKey)+len(ts)+len(path)+len(method)+len(body))
	msg = append(msg, apiKey...)
	msg = append(msg, ts...)
	msg = append(msg, path...)
	msg = append(msg, method...)
	msg = append(msg, body...)
	return msg
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "****" + k[len(k)-4:]
}
