package replikv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Default SecurityEnvelope parameters, per the wire confidentiality
// contract: a 256-bit key, 96-bit nonce, 128-bit tag, and a PBKDF2-SHA256
// key derivation with a fresh 128-bit salt per message.
const (
	DefaultAlgorithm      = "aes-256-gcm"
	DefaultKDFIterations  = 10000
	DefaultKeyLength      = 32 // bytes, 256 bits
	envelopeSaltSize      = 16 // bytes, 128 bits
	envelopeNonceSize     = 12 // bytes, 96 bits
	minKDFIterations      = 1000
	minMasterKeyLen       = 16
	minKeyLength          = 16
)

// Envelope is the self-describing wire format every inter-node message is
// wrapped in when encryption is enabled, or the pass-through form when it
// is not.
type Envelope struct {
	Encrypted  bool   `json:"encrypted"`
	Algorithm  string `json:"algorithm,omitempty"`
	Salt       string `json:"salt,omitempty"`
	IV         string `json:"iv,omitempty"`
	AuthTag    string `json:"authTag,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	IsBuffer   bool   `json:"isBuffer,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// SecurityEnvelope transforms message payloads into authenticated,
// encrypted envelopes and back, using a pre-shared master key identical on
// every node in the cluster. Nodes with the wrong key silently fail to
// decrypt each other's messages — the cluster-isolation property described
// in spec section 4.2.
type SecurityEnvelope struct {
	enabled      bool
	masterKey    []byte
	algorithm    string
	kdfIterations int
	keyLength    int
}

// SecurityConfig configures a SecurityEnvelope.
type SecurityConfig struct {
	Enabled       bool
	MasterKey     string
	Algorithm     string
	KDFIterations int
	KeyLength     int
}

// NewSecurityEnvelope builds a SecurityEnvelope from cfg, applying the
// documented defaults for any zero field. Returns a ConfigError if
// enabled with a master key shorter than the minimum, or non-default
// tunables below their floors.
func NewSecurityEnvelope(cfg SecurityConfig) (*SecurityEnvelope, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = DefaultAlgorithm
	}
	if cfg.KDFIterations == 0 {
		cfg.KDFIterations = DefaultKDFIterations
	}
	if cfg.KeyLength == 0 {
		cfg.KeyLength = DefaultKeyLength
	}

	if cfg.Enabled {
		if len(cfg.MasterKey) < minMasterKeyLen {
			return nil, newConfigError("security.masterKey", fmt.Sprintf("must be at least %d characters", minMasterKeyLen))
		}
		if cfg.KDFIterations < minKDFIterations {
			return nil, newConfigError("security.kdfIterations", fmt.Sprintf("must be at least %d", minKDFIterations))
		}
		if cfg.KeyLength < minKeyLength {
			return nil, newConfigError("security.keyLength", fmt.Sprintf("must be at least %d bytes", minKeyLength))
		}
	}

	return &SecurityEnvelope{
		enabled:       cfg.Enabled,
		masterKey:     []byte(cfg.MasterKey),
		algorithm:     cfg.Algorithm,
		kdfIterations: cfg.KDFIterations,
		keyLength:     cfg.KeyLength,
	}, nil
}

// Enabled reports whether this envelope encrypts/requires encryption.
func (s *SecurityEnvelope) Enabled() bool { return s.enabled }

func (s *SecurityEnvelope) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(s.masterKey, salt, s.kdfIterations, s.keyLength, sha256.New)
}

// Encrypt wraps payload into an authenticated-encryption envelope. payload
// may be a JSON-able structured value, a string, or a raw byte buffer
// ([]byte or Bytes) — a byte buffer sets IsBuffer so Decrypt can
// reconstruct the original shape. If the envelope is not enabled, Encrypt
// returns the pass-through {encrypted:false, data:payload} form.
func (s *SecurityEnvelope) Encrypt(payload any) (Envelope, error) {
	if !s.enabled {
		return Envelope{Encrypted: false, Data: payload}, nil
	}

	plaintext, isBuffer, err := encodePlaintext(payload)
	if err != nil {
		return Envelope{}, err
	}

	salt := make([]byte, envelopeSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, envelopeNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, err
	}

	gcm, err := s.gcmForSalt(salt)
	if err != nil {
		return Envelope{}, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagSize := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	authTag := sealed[len(sealed)-tagSize:]

	return Envelope{
		Encrypted:  true,
		Algorithm:  s.algorithm,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(authTag),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IsBuffer:   isBuffer,
	}, nil
}

// Decrypt reverses Encrypt. If env.Encrypted is false, env.Data is
// returned unchanged. Any failure to base64-decode a field, derive the
// key, or authenticate the ciphertext returns a DecryptError — wrong key
// and tampering are indistinguishable by design.
func (s *SecurityEnvelope) Decrypt(env Envelope) (any, error) {
	if !env.Encrypted {
		return env.Data, nil
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, newDecryptError("invalid salt encoding", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, newDecryptError("invalid iv encoding", err)
	}
	authTag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, newDecryptError("invalid authTag encoding", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, newDecryptError("invalid ciphertext encoding", err)
	}
	if len(salt) == 0 || len(nonce) == 0 || len(authTag) == 0 {
		return nil, newDecryptError("missing required field", nil)
	}

	gcm, err := s.gcmForSalt(salt)
	if err != nil {
		return nil, newDecryptError("key derivation failed", err)
	}

	sealed := append(append([]byte{}, ciphertext...), authTag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, newDecryptError("authentication failed", err)
	}

	return decodePlaintext(plaintext, env.IsBuffer)
}

func (s *SecurityEnvelope) gcmForSalt(salt []byte) (cipher.AEAD, error) {
	key := s.deriveKey(salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encodePlaintext(payload any) (plaintext []byte, isBuffer bool, err error) {
	switch p := payload.(type) {
	case []byte:
		return p, true, nil
	case Bytes:
		return []byte(p), true, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, false, err
		}
		return b, false, nil
	}
}

func decodePlaintext(plaintext []byte, isBuffer bool) (any, error) {
	if isBuffer {
		return Bytes(plaintext), nil
	}
	var v any
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return nil, newDecryptError("decrypted payload is not valid JSON", err)
	}
	return v, nil
}

// Mac computes an HMAC-SHA256 tag over the canonical JSON form of data,
// keyed by the master key, returned hex-encoded.
func (s *SecurityEnvelope) Mac(data any) (string, error) {
	canon, err := canonicalMarshal(data)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.masterKey)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyMac reports whether tag is a valid MAC for data, via constant-time
// comparison.
func (s *SecurityEnvelope) VerifyMac(data any, tag string) bool {
	expected, err := s.Mac(data)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(tag))
}

// GenerateSecureID returns 128 random bits, hex-encoded.
func GenerateSecureID() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// sealPayload wraps an already-serialized wire payload in a
// SecurityEnvelope for transport, or returns it unchanged if sec is nil
// or disabled. The payload always round-trips through Decrypt as a
// Bytes value, never as a parsed JSON structure, so the caller's
// original bytes come back exactly.
func sealPayload(sec *SecurityEnvelope, payload []byte) ([]byte, error) {
	if sec == nil || !sec.Enabled() {
		return payload, nil
	}
	env, err := sec.Encrypt(Bytes(payload))
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// openPayload reverses sealPayload: it parses raw as an Envelope,
// decrypts it, and returns the original wire bytes. If sec is nil or
// disabled, raw is returned unchanged.
func openPayload(sec *SecurityEnvelope, raw []byte) ([]byte, error) {
	if sec == nil || !sec.Enabled() {
		return raw, nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newDecryptError("malformed envelope", err)
	}
	decrypted, err := sec.Decrypt(env)
	if err != nil {
		return nil, err
	}
	b, ok := decrypted.(Bytes)
	if !ok {
		return nil, newDecryptError("decrypted payload was not a byte buffer", nil)
	}
	return []byte(b), nil
}

// mustGenerateSecureID panics only on crypto/rand failure, which indicates
// a broken runtime; used where the caller has no sensible error path
// (the security-handshake challenge nonce).
func mustGenerateSecureID() string {
	id, err := GenerateSecureID()
	if err != nil {
		panic(fmt.Sprintf("replikv: failed to generate secure id: %v", err))
	}
	return id
}
