package core

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/SamuelRCrider/pii-guard/kv"
	"github.com/SamuelRCrider/pii-guard/utils"
)

// DefaultSettingsTTL bounds how stale cached settings may become
const DefaultSettingsTTL = 5 * time.Minute

// Settings is the effective engine configuration
type Settings struct {
	DetectionConfig  `yaml:",inline"`
	EnableQuarantine bool                  `json:"enableQuarantine" yaml:"enableQuarantine"`
	ClearanceLevels  []ClassificationLevel `json:"clearanceLevels" yaml:"clearanceLevels"`
}

// DefaultSettings enables every detector, leaves quarantine off and uses the
// built-in classification levels.
func DefaultSettings() Settings {
	return Settings{
		DetectionConfig:  AllEnabled(),
		EnableQuarantine: false,
		ClearanceLevels:  DefaultLevels(),
	}
}

// StoredSettings is the persisted, possibly partial, settings record. A nil
// field keeps the value it is merged over.
type StoredSettings struct {
	Email            *bool                 `json:"email,omitempty" yaml:"email,omitempty"`
	Phone            *bool                 `json:"phone,omitempty" yaml:"phone,omitempty"`
	CreditCard       *bool                 `json:"creditCard,omitempty" yaml:"creditCard,omitempty"`
	SSN              *bool                 `json:"ssn,omitempty" yaml:"ssn,omitempty"`
	Passport         *bool                 `json:"passport,omitempty" yaml:"passport,omitempty"`
	DriversLicense   *bool                 `json:"driversLicense,omitempty" yaml:"driversLicense,omitempty"`
	EnableQuarantine *bool                 `json:"enableQuarantine,omitempty" yaml:"enableQuarantine,omitempty"`
	ClearanceLevels  []ClassificationLevel `json:"clearanceLevels,omitempty" yaml:"clearanceLevels,omitempty"`
}

// MergeOver overlays the fields present in s onto base.
func (s StoredSettings) MergeOver(base Settings) Settings {
	out := base.clone()
	overlay := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	overlay(&out.Email, s.Email)
	overlay(&out.Phone, s.Phone)
	overlay(&out.CreditCard, s.CreditCard)
	overlay(&out.SSN, s.SSN)
	overlay(&out.Passport, s.Passport)
	overlay(&out.DriversLicense, s.DriversLicense)
	overlay(&out.EnableQuarantine, s.EnableQuarantine)

	if s.ClearanceLevels != nil {
		out.ClearanceLevels = cloneLevels(s.ClearanceLevels)
	}
	return out
}

// Overlay returns s with the fields present in patch replaced. Fields absent
// from both stay absent.
func (s StoredSettings) Overlay(patch StoredSettings) StoredSettings {
	out := s
	pick := func(dst **bool, src *bool) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}

	pick(&out.Email, patch.Email)
	pick(&out.Phone, patch.Phone)
	pick(&out.CreditCard, patch.CreditCard)
	pick(&out.SSN, patch.SSN)
	pick(&out.Passport, patch.Passport)
	pick(&out.DriversLicense, patch.DriversLicense)
	pick(&out.EnableQuarantine, patch.EnableQuarantine)

	out.ClearanceLevels = cloneLevels(s.ClearanceLevels)
	if patch.ClearanceLevels != nil {
		out.ClearanceLevels = cloneLevels(patch.ClearanceLevels)
	}
	return out
}

// Stored returns the fully populated persisted form of s.
func (s Settings) Stored() StoredSettings {
	b := func(v bool) *bool { return &v }
	return StoredSettings{
		Email:            b(s.Email),
		Phone:            b(s.Phone),
		CreditCard:       b(s.CreditCard),
		SSN:              b(s.SSN),
		Passport:         b(s.Passport),
		DriversLicense:   b(s.DriversLicense),
		EnableQuarantine: b(s.EnableQuarantine),
		ClearanceLevels:  cloneLevels(s.ClearanceLevels),
	}
}

// SetType switches a single PII type in the patch. It returns false for
// unknown type identifiers.
func (s *StoredSettings) SetType(t PIIType, enabled bool) bool {
	v := enabled
	switch t {
	case TypeEmail:
		s.Email = &v
	case TypePhone:
		s.Phone = &v
	case TypeCreditCard:
		s.CreditCard = &v
	case TypeSSN:
		s.SSN = &v
	case TypePassport:
		s.Passport = &v
	case TypeDriversLicense:
		s.DriversLicense = &v
	default:
		return false
	}
	return true
}

func (s Settings) clone() Settings {
	s.ClearanceLevels = cloneLevels(s.ClearanceLevels)
	return s
}

func cloneLevels(levels []ClassificationLevel) []ClassificationLevel {
	if levels == nil {
		return nil
	}
	out := make([]ClassificationLevel, len(levels))
	for i, l := range levels {
		l.Keywords = slices.Clone(l.Keywords)
		l.Groups = slices.Clone(l.Groups)
		out[i] = l
	}
	return out
}

// cachedSettings is an immutable cache entry, replaced wholesale
type cachedSettings struct {
	value     Settings
	fetchedAt time.Time
}

// SettingsCache serves settings from a kv.Store with a TTL. The cached entry
// is swapped atomically and no lock is held across store I/O, so concurrent
// misses may fetch twice; the last write wins.
type SettingsCache struct {
	store  kv.Store
	ttl    time.Duration
	now    func() time.Time
	logger *log.Logger
	audit  *AuditTrail

	cache atomic.Pointer[cachedSettings]
}

// SettingsOption configures a SettingsCache
type SettingsOption func(*SettingsCache)

// WithSettingsTTL overrides DefaultSettingsTTL
func WithSettingsTTL(ttl time.Duration) SettingsOption {
	return func(c *SettingsCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSettingsClock replaces time.Now
func WithSettingsClock(now func() time.Time) SettingsOption {
	return func(c *SettingsCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSettingsLogger sets the logger
func WithSettingsLogger(logger *log.Logger) SettingsOption {
	return func(c *SettingsCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSettingsAudit records saves in trail
func WithSettingsAudit(trail *AuditTrail) SettingsOption {
	return func(c *SettingsCache) { c.audit = trail }
}

// NewSettingsCache creates a settings cache over store
func NewSettingsCache(store kv.Store, opts ...SettingsOption) *SettingsCache {
	c := &SettingsCache{
		store:  store,
		ttl:    DefaultSettingsTTL,
		now:    time.Now,
		logger: utils.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the current settings, fetching from the store when the cached
// copy is missing or older than the TTL. If the store fails the previous
// cached value is served, or the defaults when there is none.
func (c *SettingsCache) Get(ctx context.Context) Settings {
	now := c.now()
	cached := c.cache.Load()
	if cached != nil && now.Sub(cached.fetchedAt) < c.ttl {
		c.logger.Debug("using cached settings")
		return cached.value.clone()
	}

	c.logger.Debug("fetching settings from store")
	stored, err := c.fetch(ctx)
	if err != nil {
		if CategoryOf(err) != ErrorCategoryIntegrity {
			c.logger.Error("failed to fetch settings", "err", err)
			if cached != nil {
				return cached.value.clone()
			}
			return DefaultSettings()
		}
		c.logger.Warn("ignoring unreadable settings record", "err", err)
		stored = StoredSettings{}
	}

	value := stored.MergeOver(DefaultSettings())
	c.cache.Store(&cachedSettings{value: value, fetchedAt: now})
	return value.clone()
}

// fetch reads the persisted record. A missing record is an empty patch.
func (c *SettingsCache) fetch(ctx context.Context) (StoredSettings, error) {
	raw, err := c.store.Get(ctx, SettingsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return StoredSettings{}, nil
	}
	if err != nil {
		return StoredSettings{}, newEngineError(ErrorCategoryPersistence, "fetch settings", err)
	}

	var stored StoredSettings
	if err := json.Unmarshal(raw, &stored); err != nil {
		return StoredSettings{}, newEngineError(ErrorCategoryIntegrity, "fetch settings", err)
	}
	return stored, nil
}

// Save applies patch over the persisted record, writes the result and
// replaces the cache immediately. The record is read from the store, never
// the cache, so fields saved elsewhere survive. Clearance levels in the patch
// must form a valid ruleset.
func (c *SettingsCache) Save(ctx context.Context, patch StoredSettings) (Settings, error) {
	if patch.ClearanceLevels != nil {
		if err := ValidateLevels(patch.ClearanceLevels); err != nil {
			return Settings{}, newEngineError(ErrorCategoryValidation, "save settings", err)
		}
	}

	stored, err := c.fetch(ctx)
	if err != nil {
		if CategoryOf(err) != ErrorCategoryIntegrity {
			c.logger.Error("failed to read settings before save", "err", err)
			return Settings{}, err
		}
		c.logger.Warn("replacing unreadable settings record", "err", err)
		stored = StoredSettings{}
	}

	record := stored.Overlay(patch)
	next := record.MergeOver(DefaultSettings())

	data, err := json.Marshal(record)
	if err != nil {
		return Settings{}, newEngineError(ErrorCategoryInput, "save settings", err)
	}
	if err := c.store.Set(ctx, SettingsKey, data); err != nil {
		c.logger.Error("failed to save settings", "err", err)
		return Settings{}, newEngineError(ErrorCategoryPersistence, "save settings", err)
	}

	c.cache.Store(&cachedSettings{value: next, fetchedAt: c.now()})
	c.logger.Info("saved settings", "quarantine", next.EnableQuarantine, "levels", len(next.ClearanceLevels))

	if err := c.audit.Log(AuditEvent{
		EventType: EventSettingsSaved,
		Metadata:  map[string]string{"enabled_types": enabledList(next.DetectionConfig)},
	}); err != nil {
		c.logger.Warn("failed to write audit event", "err", err)
	}

	return next.clone(), nil
}

// Invalidate drops the cached entry so the next Get reads the store.
func (c *SettingsCache) Invalidate() {
	c.cache.Store(nil)
}

func enabledList(cfg DetectionConfig) string {
	out := ""
	for _, t := range AllPIITypes {
		if !cfg.Enabled(t) {
			continue
		}
		if out != "" {
			out += ","
		}
		out += string(t)
	}
	return out
}
