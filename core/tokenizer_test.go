package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SamuelRCrider/pii-guard/kv"
)

var formattedToken = regexp.MustCompile(`^@@token_[0-9a-f]{16}@@$`)

func newTestTokenizer(t *testing.T, opts ...TokenizerOption) (*Tokenizer, *spyStore, *fakeClock) {
	t.Helper()
	store := newSpyStore()
	clock := newFakeClock()
	opts = append([]TokenizerOption{WithTokenClock(clock.Now)}, opts...)
	return NewTokenizer(store, opts...), store, clock
}

func TestTokenizeIsStable(t *testing.T) {
	tok, _, _ := newTestTokenizer(t)
	ctx := context.Background()

	a, err := tok.Tokenize(ctx, "jane@example.com", "email")
	require.NoError(t, err)
	assert.Regexp(t, formattedToken, a)

	b, err := tok.Tokenize(ctx, "jane@example.com", "email")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := tok.Tokenize(ctx, "john@example.com", "email")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	empty, err := tok.Tokenize(ctx, "", "email")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDetokenize(t *testing.T) {
	tok, _, _ := newTestTokenizer(t)
	ctx := context.Background()

	token, err := tok.Tokenize(ctx, "123-45-6789", "ssn")
	require.NoError(t, err)

	original, err := tok.Detokenize(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", original)

	bare := strings.TrimSuffix(strings.TrimPrefix(token, "@@token_"), "@@")
	original, err = tok.Detokenize(ctx, bare)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", original)

	_, err = tok.Detokenize(ctx, "@@token_0000000000000000@@")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.Equal(t, ErrorCategoryInput, CategoryOf(err))

	_, err = tok.Detokenize(ctx, "garbage")
	assert.Equal(t, ErrorCategoryInput, CategoryOf(err))
}

func TestTokenizeEncryptsAtRest(t *testing.T) {
	enc, err := NewEncryptor(testKey(7))
	require.NoError(t, err)
	tok, store, _ := newTestTokenizer(t, WithTokenEncryptor(enc))
	ctx := context.Background()
	assert.True(t, tok.Encrypted())

	token, err := tok.Tokenize(ctx, "4111 1111 1111 1111", "creditCard")
	require.NoError(t, err)

	records, err := store.Store.Query(ctx, TokenKeyPrefix, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotContains(t, string(records[0].Value), "4111")

	var entry TokenizedValue
	require.NoError(t, json.Unmarshal(records[0].Value, &entry))
	assert.True(t, entry.Encrypted)

	original, err := tok.Detokenize(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "4111 1111 1111 1111", original)

	plain := NewTokenizer(store)
	_, err = plain.Detokenize(ctx, token)
	assert.Equal(t, ErrorCategoryIntegrity, CategoryOf(err))
}

func TestTokenIndexKeyedWhenEncrypted(t *testing.T) {
	enc, err := NewEncryptor(testKey(7))
	require.NoError(t, err)
	tok, store, _ := newTestTokenizer(t, WithTokenEncryptor(enc))
	ctx := context.Background()

	token, err := tok.Tokenize(ctx, "123-45-6789", "ssn")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("123-45-6789"))
	_, err = store.Store.Get(ctx, TokenIndexKeyPrefix+hex.EncodeToString(sum[:]))
	assert.ErrorIs(t, err, kv.ErrNotFound, "index must not be keyed by a plain hash")

	raw, err := store.Store.Get(ctx, TokenIndexKeyPrefix+enc.Fingerprint("123-45-6789"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), strings.TrimSuffix(strings.TrimPrefix(token, "@@token_"), "@@"))

	again, err := tok.Tokenize(ctx, "123-45-6789", "ssn")
	require.NoError(t, err)
	assert.Equal(t, token, again)

	require.NoError(t, tok.Revoke(ctx, token))
	records, err := store.Store.Query(ctx, TokenIndexKeyPrefix, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTokenExpiry(t *testing.T) {
	tok, _, clock := newTestTokenizer(t, WithTokenTTL(time.Hour))
	ctx := context.Background()

	first, err := tok.Tokenize(ctx, "555-123-4567", "phone")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = tok.Detokenize(ctx, first)
	assert.ErrorIs(t, err, ErrTokenExpired)

	second, err := tok.Tokenize(ctx, "555-123-4567", "phone")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = tok.Detokenize(ctx, first)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestPurgeExpired(t *testing.T) {
	tok, store, clock := newTestTokenizer(t, WithTokenTTL(time.Minute))
	ctx := context.Background()

	_, err := tok.Tokenize(ctx, "a@example.com", "email")
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	kept, err := tok.Tokenize(ctx, "b@example.com", "email")
	require.NoError(t, err)
	clock.Advance(45 * time.Second)

	purged, err := tok.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	records, err := store.Store.Query(ctx, TokenIndexKeyPrefix, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	original, err := tok.Detokenize(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", original)

	store.failAll.Store(true)
	_, err = tok.PurgeExpired(ctx)
	assert.Equal(t, ErrorCategoryPersistence, CategoryOf(err))
}

func TestRevoke(t *testing.T) {
	tok, _, _ := newTestTokenizer(t)
	ctx := context.Background()

	token, err := tok.Tokenize(ctx, "X1234567", "passport")
	require.NoError(t, err)
	require.NoError(t, tok.Revoke(ctx, token))

	_, err = tok.Detokenize(ctx, token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.ErrorIs(t, tok.Revoke(ctx, token), ErrTokenNotFound)

	fresh, err := tok.Tokenize(ctx, "X1234567", "passport")
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)
}

func TestTokenizeTextRoundTrip(t *testing.T) {
	var audit bytes.Buffer
	tok, _, _ := newTestTokenizer(t, WithTokenAudit(NewAuditTrail(&audit, AuditLogLevelVerbose)))
	ctx := context.Background()

	text := "Mail jane@example.com, SSN 123-45-6789, again jane@example.com"
	matches := NewPatternDetector().Matches(text, nil)
	require.NotEmpty(t, matches)

	tokenized, err := tok.TokenizeText(ctx, text, matches)
	require.NoError(t, err)
	assert.NotContains(t, tokenized, "jane@example.com")
	assert.NotContains(t, tokenized, "123-45-6789")
	assert.Equal(t, 3, strings.Count(tokenized, "@@token_"))

	restored := tok.DetokenizeText(ctx, tokenized+" @@token_ffffffffffffffff@@")
	assert.Equal(t, text+" @@token_ffffffffffffffff@@", restored)

	assert.Contains(t, audit.String(), EventValueTokenized)
	assert.Contains(t, audit.String(), EventValueRevealed)
	assert.NotContains(t, audit.String(), "jane@example.com")
}

func TestTokenizeStoreFailure(t *testing.T) {
	tok, store, _ := newTestTokenizer(t)
	store.failGet.Store(true)

	_, err := tok.Tokenize(context.Background(), "jane@example.com", "email")
	assert.Equal(t, ErrorCategoryPersistence, CategoryOf(err))
}

func TestTokenizeSharedVault(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	tok := NewTokenizer(store)

	// another process already tokenized this value
	winner := NewTokenizer(store)
	want, err := winner.Tokenize(ctx, "jane@example.com", "email")
	require.NoError(t, err)

	got, err := tok.Tokenize(ctx, "jane@example.com", "email")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	records, err := store.Query(ctx, TokenKeyPrefix, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
