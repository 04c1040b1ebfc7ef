package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// VaultKeyEnv holds one or more comma-separated base64 AES-256 keys. The
// first key encrypts; the rest only decrypt.
const VaultKeyEnv = "PIIGUARD_VAULT_KEY"

// EncryptionAlgorithm names the cipher recorded in an envelope
type EncryptionAlgorithm string

// AlgorithmAESGCM is AES-256 in Galois/Counter Mode
const AlgorithmAESGCM EncryptionAlgorithm = "AES-GCM"

// ErrUnknownKey is returned when an envelope names a key not in the ring
var ErrUnknownKey = errors.New("unknown encryption key")

// EncryptedData is the envelope stored for each encrypted value
type EncryptedData struct {
	Version     int                 `json:"version"`
	Algorithm   EncryptionAlgorithm `json:"alg"`
	KeyID       string              `json:"kid"`
	EncryptedAt int64               `json:"enc_at"`
	Ciphertext  string              `json:"ciphertext"`
	AAD         string              `json:"aad,omitempty"`
}

// Encryptor seals vault values with AES-GCM under a rotating key ring.
type Encryptor struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	active string
	now    func() time.Time
}

// NewEncryptor creates an encryptor. The first key is active; every key
// must be 32 bytes.
func NewEncryptor(keys ...[]byte) (*Encryptor, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one encryption key is required")
	}

	e := &Encryptor{keys: make(map[string][]byte), now: time.Now}
	for i, key := range keys {
		id, err := e.add(key)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		if i == 0 {
			e.active = id
		}
	}
	return e, nil
}

// ParseEncryptionKeys decodes comma-separated base64 keys. An empty string
// yields a nil encryptor.
func ParseEncryptionKeys(list string) (*Encryptor, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}

	var keys [][]byte
	for _, part := range strings.Split(list, ",") {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("failed to decode encryption key: %w", err)
		}
		keys = append(keys, key)
	}
	return NewEncryptor(keys...)
}

// GenerateKey returns a random 32-byte key encoded for VaultKeyEnv.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (e *Encryptor) add(key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	id := generateKeyID(key)
	e.keys[id] = append([]byte(nil), key...)
	return id, nil
}

// Rotate makes key the active encryption key. Older keys keep decrypting.
func (e *Encryptor) Rotate(key []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.add(key)
	if err != nil {
		return "", err
	}
	e.active = id
	return id, nil
}

// ActiveKeyID returns the id of the key used for new envelopes
func (e *Encryptor) ActiveKeyID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// generateKeyID creates a stable id for a key
func generateKeyID(key []byte) string {
	hash := sha256.Sum256(key)
	return base64.RawURLEncoding.EncodeToString(hash[:16])
}

// Fingerprint returns a hex HMAC-SHA256 of value under the active key. Equal
// values share a fingerprint until the key rotates.
func (e *Encryptor) Fingerprint(value string) string {
	e.mu.RLock()
	key := e.keys[e.active]
	e.mu.RUnlock()

	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Encryptor) gcm(keyID string) (cipher.AEAD, error) {
	e.mu.RLock()
	key, ok := e.keys[keyID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext bound to aad and returns a base64 envelope.
func (e *Encryptor) Encrypt(plaintext, aad string) (string, error) {
	keyID := e.ActiveKeyID()
	aead, err := e.gcm(keyID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := EncryptedData{
		Version:     1,
		Algorithm:   AlgorithmAESGCM,
		KeyID:       keyID,
		EncryptedAt: e.now().Unix(),
		Ciphertext:  base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))),
	}
	if aad != "" {
		env.AAD = base64.StdEncoding.EncodeToString([]byte(aad))
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize encrypted data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decrypt opens an envelope produced by Encrypt with any key in the ring.
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to decode envelope: %w", err)
	}

	var env EncryptedData
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.Algorithm != AlgorithmAESGCM {
		return "", fmt.Errorf("unsupported algorithm: %s", env.Algorithm)
	}

	aead, err := e.gcm(env.KeyID)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	var aad []byte
	if env.AAD != "" {
		if aad, err = base64.StdEncoding.DecodeString(env.AAD); err != nil {
			return "", fmt.Errorf("failed to decode AAD: %w", err)
		}
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
