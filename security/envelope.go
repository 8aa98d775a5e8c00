package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// SealKeySize is the required master key length (AES-256).
	SealKeySize = 32

	sealVersion    byte = 1
	sealHeaderSize      = 1 + 8 // version + expiry (unix millis)
)

// SealFailure is the closed set of reasons an envelope can fail to open.
type SealFailure uint8

const (
	// SealMalformed means the envelope could not be decoded or is truncated.
	SealMalformed SealFailure = iota + 1
	// SealTampered means authentication failed: wrong key, wrong purpose or modified bytes.
	SealTampered
	// SealExpired means the envelope authenticated but its expiry has passed.
	SealExpired
)

func (f SealFailure) String() string {
	switch f {
	case SealMalformed:
		return "malformed"
	case SealTampered:
		return "tampered"
	case SealExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SealError reports why Unseal rejected an envelope.
// Err carries internal detail and must not be shown to callers outside the server.
type SealError struct {
	Kind SealFailure
	Err  error
}

func (e *SealError) Error() string {
	if e.Err == nil {
		return "envelope " + e.Kind.String()
	}
	return fmt.Sprintf("envelope %s: %v", e.Kind, e.Err)
}

func (e *SealError) Unwrap() error { return e.Err }

// SealFailureOf returns the failure kind carried by err, or 0 when err is not a SealError.
func SealFailureOf(err error) SealFailure {
	var se *SealError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// Sealer produces authenticated, time-limited envelopes using AES-256-GCM.
// Every purpose string gets its own subkey derived from the master key with HKDF-SHA256,
// so an envelope sealed for one purpose never opens under another.
//
// Envelope layout before base64url encoding:
//
//	[version:1][expires_unix_ms:8][nonce:12][ciphertext+tag]
//
// The version and expiry bytes are bound as additional authenticated data.
type Sealer struct {
	master []byte
	now    func() time.Time
}

// NewSealer creates a sealer from a 32-byte master key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != SealKeySize {
		return nil, fmt.Errorf("sealing key must be exactly %d bytes, got %d", SealKeySize, len(masterKey))
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Sealer{master: key, now: time.Now}, nil
}

// WithClock returns a copy of the sealer that reads time from now.
func (s *Sealer) WithClock(now func() time.Time) *Sealer {
	return &Sealer{master: s.master, now: now}
}

// Seal encrypts plaintext under purpose and embeds an expiry of now+ttl.
func (s *Sealer) Seal(purpose string, plaintext []byte, ttl time.Duration) (string, error) {
	if purpose == "" {
		return "", fmt.Errorf("seal purpose is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("seal ttl must be positive, got %s", ttl)
	}

	gcm, err := s.aead(purpose)
	if err != nil {
		return "", err
	}

	header := make([]byte, sealHeaderSize)
	header[0] = sealVersion
	binary.BigEndian.PutUint64(header[1:], uint64(s.now().Add(ttl).UnixMilli()))

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, header)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Unseal authenticates and decrypts an envelope produced by Seal with the same purpose.
// All failures are returned as *SealError.
func (s *Sealer) Unseal(purpose, sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, &SealError{Kind: SealMalformed, Err: fmt.Errorf("failed to decode envelope: %w", err)}
	}

	gcm, err := s.aead(purpose)
	if err != nil {
		return nil, &SealError{Kind: SealMalformed, Err: err}
	}

	if len(raw) < sealHeaderSize+gcm.NonceSize()+gcm.Overhead() {
		return nil, &SealError{Kind: SealMalformed, Err: fmt.Errorf("envelope too short")}
	}
	if raw[0] != sealVersion {
		return nil, &SealError{Kind: SealMalformed, Err: fmt.Errorf("unsupported envelope version %d", raw[0])}
	}

	header := raw[:sealHeaderSize]
	nonce := raw[sealHeaderSize : sealHeaderSize+gcm.NonceSize()]
	ciphertext := raw[sealHeaderSize+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, &SealError{Kind: SealTampered, Err: err}
	}

	expiresAt := time.UnixMilli(int64(binary.BigEndian.Uint64(header[1:])))
	if !s.now().Before(expiresAt) {
		return nil, &SealError{Kind: SealExpired, Err: fmt.Errorf("expired at %s", expiresAt.UTC().Format(time.RFC3339))}
	}

	return plaintext, nil
}

// ExpiresAt reads the authenticated expiry of an envelope without decrypting the payload.
// Callers must only trust the result after a successful Unseal.
func ExpiresAt(sealed string) (time.Time, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < sealHeaderSize || raw[0] != sealVersion {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(raw[1:sealHeaderSize]))), true
}

func (s *Sealer) aead(purpose string) (cipher.AEAD, error) {
	subkey := make([]byte, SealKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, nil, []byte(purpose)), subkey); err != nil {
		return nil, fmt.Errorf("failed to derive purpose key: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateKey generates a new 32-byte sealing key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, SealKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded sealing key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != SealKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", SealKeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a sealing key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
