package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/SamuelRCrider/pii-guard/kv"
	"github.com/SamuelRCrider/pii-guard/utils"
)

const (
	// TokenKeyPrefix namespaces vault entries in the store
	TokenKeyPrefix = "pii-token-"

	// TokenIndexKeyPrefix maps a value hash to its token
	TokenIndexKeyPrefix = "pii-tokidx-"

	tokenPrefix = "@@token_"
	tokenSuffix = "@@"
)

// tokenPattern finds vault tokens embedded in text
var tokenPattern = regexp.MustCompile(`@@token_([0-9a-f]{16})@@`)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// TokenizedValue is the vault entry behind one token
type TokenizedValue struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	// Zero means the token never expires
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Original is an Encryptor envelope when Encrypted is set
	Original  string `json:"original"`
	Encrypted bool   `json:"encrypted,omitempty"`

	DataType     string `json:"data_type,omitempty"`
	OriginalHash string `json:"original_hash"`
}

func (v TokenizedValue) expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// Tokenizer swaps PII for opaque "@@token_<hex>@@" placeholders and keeps the
// originals in a vault on the kv store. The same value always maps to the
// same live token.
type Tokenizer struct {
	store  kv.Store
	enc    *Encryptor
	ttl    time.Duration
	now    func() time.Time
	logger *log.Logger
	audit  *AuditTrail
}

// TokenizerOption configures a Tokenizer
type TokenizerOption func(*Tokenizer)

// WithTokenEncryptor seals originals before they reach the store. Without
// one they are stored as plaintext.
func WithTokenEncryptor(enc *Encryptor) TokenizerOption {
	return func(t *Tokenizer) { t.enc = enc }
}

// WithTokenTTL expires tokens after d. Zero keeps them forever.
func WithTokenTTL(d time.Duration) TokenizerOption {
	return func(t *Tokenizer) { t.ttl = d }
}

// WithTokenClock replaces time.Now
func WithTokenClock(now func() time.Time) TokenizerOption {
	return func(t *Tokenizer) {
		if now != nil {
			t.now = now
		}
	}
}

// WithTokenLogger sets the logger
func WithTokenLogger(logger *log.Logger) TokenizerOption {
	return func(t *Tokenizer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTokenAudit records tokenize and reveal events in trail
func WithTokenAudit(trail *AuditTrail) TokenizerOption {
	return func(t *Tokenizer) { t.audit = trail }
}

// NewTokenizer creates a tokenizer over store
func NewTokenizer(store kv.Store, opts ...TokenizerOption) *Tokenizer {
	t := &Tokenizer{store: store, now: time.Now, logger: utils.NopLogger()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Encrypted reports whether originals are sealed at rest
func (t *Tokenizer) Encrypted() bool { return t.enc != nil }

// hashValue keys the reverse index. With an encryptor the hash is keyed so
// index entries cannot be matched against guessed values.
func (t *Tokenizer) hashValue(value string) string {
	if t.enc != nil {
		return t.enc.Fingerprint(value)
	}
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:])
}

func formatToken(raw string) string {
	return tokenPrefix + raw + tokenSuffix
}

// parseToken accepts either the formatted token or its bare hex id.
func parseToken(token string) (string, bool) {
	if m := tokenPattern.FindStringSubmatch(token); m != nil && m[0] == token {
		return m[1], true
	}
	if len(token) == 16 && tokenPattern.MatchString(formatToken(token)) {
		return token, true
	}
	return "", false
}

func newRawToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

const maxTokenizeAttempts = 3

// Tokenize returns the token for value, creating a vault entry when no live
// token exists yet.
func (t *Tokenizer) Tokenize(ctx context.Context, value, dataType string) (string, error) {
	if value == "" {
		return "", nil
	}

	hash := t.hashValue(value)
	indexKey := TokenIndexKeyPrefix + hash

	for attempt := 0; attempt < maxTokenizeAttempts; attempt++ {
		prev, err := t.store.Get(ctx, indexKey)
		switch {
		case errors.Is(err, kv.ErrNotFound):
			prev = nil
		case err != nil:
			return "", newEngineError(ErrorCategoryPersistence, "tokenize", err)
		default:
			if entry, err := t.load(ctx, string(prev)); err == nil && !entry.expired(t.now()) {
				return formatToken(entry.Token), nil
			}
		}

		entry, err := t.newEntry(value, dataType, hash)
		if err != nil {
			return "", err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return "", newEngineError(ErrorCategoryIntegrity, "tokenize", err)
		}
		if err := t.store.Set(ctx, TokenKeyPrefix+entry.Token, raw); err != nil {
			return "", newEngineError(ErrorCategoryPersistence, "tokenize", err)
		}

		ok, err := t.store.CompareAndSwap(ctx, indexKey, prev, []byte(entry.Token))
		if err != nil {
			_ = t.store.Delete(ctx, TokenKeyPrefix+entry.Token)
			return "", newEngineError(ErrorCategoryPersistence, "tokenize", err)
		}
		if !ok {
			// another writer claimed the index first; use theirs
			_ = t.store.Delete(ctx, TokenKeyPrefix+entry.Token)
			continue
		}
		if prev != nil {
			_ = t.store.Delete(ctx, TokenKeyPrefix+string(prev))
		}

		t.logAudit(AuditEvent{
			EventType: EventValueTokenized,
			Metadata:  map[string]string{"data_type": dataType, "token": entry.Token},
		})
		t.logger.Debug("value tokenized", "type", dataType, "encrypted", entry.Encrypted)
		return formatToken(entry.Token), nil
	}
	return "", newEngineError(ErrorCategoryPersistence, "tokenize", errors.New("token index contended"))
}

func (t *Tokenizer) newEntry(value, dataType, hash string) (TokenizedValue, error) {
	token, err := newRawToken()
	if err != nil {
		return TokenizedValue{}, newEngineError(ErrorCategoryPersistence, "tokenize", err)
	}

	now := t.now()
	entry := TokenizedValue{
		Token:        token,
		CreatedAt:    now,
		Original:     value,
		DataType:     dataType,
		OriginalHash: hash,
	}
	if t.ttl > 0 {
		entry.ExpiresAt = now.Add(t.ttl)
	}
	if t.enc != nil {
		sealed, err := t.enc.Encrypt(value, token)
		if err != nil {
			return TokenizedValue{}, newEngineError(ErrorCategoryIntegrity, "tokenize", err)
		}
		entry.Original = sealed
		entry.Encrypted = true
	}
	return entry, nil
}

// TokenizeText replaces every match in text with its token. Matches come from
// PatternDetector.Matches.
func (t *Tokenizer) TokenizeText(ctx context.Context, text string, matches []utils.RawMatch) (string, error) {
	tokens := make(map[string]string, len(matches))
	for _, m := range matches {
		if _, done := tokens[m.Text]; done {
			continue
		}
		token, err := t.Tokenize(ctx, m.Text, m.Type)
		if err != nil {
			return "", err
		}
		tokens[m.Text] = token
	}

	return rewrite(text, matches, func(m utils.RawMatch) string {
		return tokens[m.Text]
	}), nil
}

func (t *Tokenizer) load(ctx context.Context, raw string) (TokenizedValue, error) {
	data, err := t.store.Get(ctx, TokenKeyPrefix+raw)
	if errors.Is(err, kv.ErrNotFound) {
		return TokenizedValue{}, newEngineError(ErrorCategoryInput, "detokenize", ErrTokenNotFound)
	}
	if err != nil {
		return TokenizedValue{}, newEngineError(ErrorCategoryPersistence, "detokenize", err)
	}

	var entry TokenizedValue
	if err := json.Unmarshal(data, &entry); err != nil {
		return TokenizedValue{}, newEngineError(ErrorCategoryIntegrity, "detokenize", err)
	}
	return entry, nil
}

// Detokenize returns the original value behind token.
func (t *Tokenizer) Detokenize(ctx context.Context, token string) (string, error) {
	raw, ok := parseToken(token)
	if !ok {
		return "", newEngineError(ErrorCategoryInput, "detokenize", fmt.Errorf("malformed token %q", token))
	}

	entry, err := t.load(ctx, raw)
	if err != nil {
		return "", err
	}
	if entry.expired(t.now()) {
		return "", newEngineError(ErrorCategoryInput, "detokenize", ErrTokenExpired)
	}

	original := entry.Original
	if entry.Encrypted {
		if t.enc == nil {
			return "", newEngineError(ErrorCategoryIntegrity, "detokenize", errors.New("vault entry is encrypted and no key is configured"))
		}
		if original, err = t.enc.Decrypt(entry.Original); err != nil {
			return "", newEngineError(ErrorCategoryIntegrity, "detokenize", err)
		}
	}

	t.logAudit(AuditEvent{
		EventType: EventValueRevealed,
		Severity:  SeverityWarning,
		Metadata:  map[string]string{"data_type": entry.DataType, "token": raw},
	})
	return original, nil
}

// DetokenizeText restores every known token in text. Unknown, expired or
// undecryptable tokens are left in place.
func (t *Tokenizer) DetokenizeText(ctx context.Context, text string) string {
	if !strings.Contains(text, tokenPrefix) {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		original, err := t.Detokenize(ctx, token)
		if err != nil {
			t.logger.Debug("token left in place", "token", token, "err", err)
			return token
		}
		return original
	})
}

// Revoke deletes a token and its index entry. The value gets a fresh token
// the next time it is tokenized.
func (t *Tokenizer) Revoke(ctx context.Context, token string) error {
	raw, ok := parseToken(token)
	if !ok {
		return newEngineError(ErrorCategoryInput, "revoke", fmt.Errorf("malformed token %q", token))
	}

	entry, err := t.load(ctx, raw)
	if err != nil {
		return err
	}
	if err := t.remove(ctx, entry); err != nil {
		return newEngineError(ErrorCategoryPersistence, "revoke", err)
	}

	t.logAudit(AuditEvent{
		EventType: EventTokenRevoked,
		Metadata:  map[string]string{"data_type": entry.DataType, "token": raw},
	})
	return nil
}

// remove deletes the vault entry and, if it still points here, the index.
func (t *Tokenizer) remove(ctx context.Context, entry TokenizedValue) error {
	indexKey := TokenIndexKeyPrefix + entry.OriginalHash
	current, err := t.store.Get(ctx, indexKey)
	if err == nil && string(current) == entry.Token {
		if err := t.store.Delete(ctx, indexKey); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return t.store.Delete(ctx, TokenKeyPrefix+entry.Token)
}

// PurgeExpired removes expired vault entries and returns how many were
// dropped.
func (t *Tokenizer) PurgeExpired(ctx context.Context) (int, error) {
	records, err := t.store.Query(ctx, TokenKeyPrefix, 0)
	if err != nil {
		return 0, newEngineError(ErrorCategoryPersistence, "purge tokens", err)
	}

	now := t.now()
	purged := 0
	for _, rec := range records {
		var entry TokenizedValue
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			t.logger.Warn("skipping undecodable vault entry", "key", rec.Key, "err", err)
			continue
		}
		if !entry.expired(now) {
			continue
		}
		if err := t.remove(ctx, entry); err != nil {
			return purged, newEngineError(ErrorCategoryPersistence, "purge tokens", err)
		}
		purged++
	}
	if purged > 0 {
		t.logger.Info("expired tokens purged", "count", purged)
	}
	return purged, nil
}

func (t *Tokenizer) logAudit(event AuditEvent) {
	if err := t.audit.Log(event); err != nil {
		t.logger.Warn("failed to write audit event", "event", event.EventType, "err", err)
	}
}
