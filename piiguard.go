// Package piiguard scans content-management documents for personally
// identifiable information, classifies them by sensitivity and tracks each
// detection as an incident until it is remediated.
//
// Guard wires the engine pieces from package core to a kv.Store:
//
//	guard := piiguard.New(piiguard.Config{Store: kv.NewMemory()})
//	res, err := guard.ScanPage(ctx, piiguard.Document{ID: "42", Body: html})
package piiguard

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/SamuelRCrider/pii-guard/core"
	"github.com/SamuelRCrider/pii-guard/kv"
	"github.com/SamuelRCrider/pii-guard/utils"
)

// Version is reported by the CLI and the HTTP API
const Version = "0.3.0"

// DefaultBatchConcurrency bounds parallel detection in ScanBatch
const DefaultBatchConcurrency = 8

// Config wires a Guard. Only Store is commonly set; everything else has a
// working default.
type Config struct {
	// Store persists incidents, settings and debounce markers (default: in-memory)
	Store kv.Store

	Logger *log.Logger

	// Audit receives incident and settings events (default: none)
	Audit *core.AuditTrail

	// Groups resolves user group memberships for clearance checks
	Groups core.GroupResolver

	// Encryptor seals tokenized originals at rest (default: plaintext vault)
	Encryptor *core.Encryptor

	// TokenTTL expires vault tokens (default: never)
	TokenTTL time.Duration

	DebounceWindow   time.Duration
	SettingsTTL      time.Duration
	BatchConcurrency int

	// Clock replaces time.Now in every component
	Clock func() time.Time
}

// Document is one page handed to the scanner
type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	SpaceKey  string `json:"spaceKey,omitempty"`
	SpaceName string `json:"spaceName,omitempty"`
	Type      string `json:"type,omitempty"`

	// Body is the storage-format (XHTML) page content
	Body string `json:"body"`

	// Restricted is set when the page already carries read restrictions
	Restricted bool `json:"restricted,omitempty"`
}

// ScanResult is the outcome of scanning one page
type ScanResult struct {
	DocumentID     string                    `json:"documentId"`
	Skipped        bool                      `json:"skipped,omitempty"`
	Detected       bool                      `json:"detected"`
	Findings       []utils.AggregatedFinding `json:"findings"`
	Classification *core.ClassificationLevel `json:"classification,omitempty"`
	Label          string                    `json:"label,omitempty"`
	Preview        string                    `json:"preview,omitempty"`
	IncidentID     string                    `json:"incidentId,omitempty"`
	Status         core.Status               `json:"status,omitempty"`
}

// Guard is the engine facade used by the CLI, the MCP server and the HTTP API
type Guard struct {
	store      kv.Store
	logger     *log.Logger
	audit      *core.AuditTrail
	groups     core.GroupResolver
	detector   *core.PatternDetector
	classifier *core.ClassificationEngine
	settings   *core.SettingsCache
	incidents  *core.IncidentStore
	debouncer  *core.Debouncer
	tokens     *core.Tokenizer
	batchLimit int
}

// New creates a Guard from cfg
func New(cfg Config) *Guard {
	if cfg.Store == nil {
		cfg.Store = kv.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NopLogger()
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}

	g := &Guard{
		store:      cfg.Store,
		logger:     cfg.Logger,
		audit:      cfg.Audit,
		groups:     cfg.Groups,
		detector:   core.NewPatternDetector(),
		classifier: core.NewClassificationEngine(cfg.Logger.WithPrefix("classify")),
		settings: core.NewSettingsCache(cfg.Store,
			core.WithSettingsTTL(cfg.SettingsTTL),
			core.WithSettingsClock(cfg.Clock),
			core.WithSettingsLogger(cfg.Logger.WithPrefix("settings")),
			core.WithSettingsAudit(cfg.Audit),
		),
		incidents: core.NewIncidentStore(cfg.Store,
			core.WithIncidentClock(cfg.Clock),
			core.WithIncidentLogger(cfg.Logger.WithPrefix("incidents")),
			core.WithAuditTrail(cfg.Audit),
		),
		debouncer: core.NewDebouncer(cfg.Store, cfg.DebounceWindow, cfg.Logger.WithPrefix("debounce")),
		tokens: core.NewTokenizer(cfg.Store,
			core.WithTokenEncryptor(cfg.Encryptor),
			core.WithTokenTTL(cfg.TokenTTL),
			core.WithTokenClock(cfg.Clock),
			core.WithTokenLogger(cfg.Logger.WithPrefix("vault")),
			core.WithTokenAudit(cfg.Audit),
		),
		batchLimit: cfg.BatchConcurrency,
	}
	if cfg.Clock != nil {
		g.debouncer.SetClock(cfg.Clock)
	}
	return g
}

// Settings returns the settings cache
func (g *Guard) Settings() *core.SettingsCache { return g.settings }

// Incidents returns the incident store
func (g *Guard) Incidents() *core.IncidentStore { return g.incidents }

// Tokens returns the token vault
func (g *Guard) Tokens() *core.Tokenizer { return g.tokens }

// Healthy checks that the backing store answers reads.
func (g *Guard) Healthy(ctx context.Context) error {
	_, err := g.store.Get(ctx, core.SettingsKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return nil
}

// Detect scans text with the currently configured detectors.
func (g *Guard) Detect(ctx context.Context, text string) []utils.AggregatedFinding {
	settings := g.settings.Get(ctx)
	return g.detector.Scan(text, &settings.DetectionConfig)
}

// DetectWith scans text with an explicit detector configuration. A nil cfg
// enables every detector.
func (g *Guard) DetectWith(text string, cfg *core.DetectionConfig) []utils.AggregatedFinding {
	return g.detector.Scan(text, cfg)
}

// Classify assigns text a level from the configured ruleset.
func (g *Guard) Classify(ctx context.Context, text string) *core.ClassificationLevel {
	settings := g.settings.Get(ctx)
	return g.classifier.Classify(text, settings.ClearanceLevels)
}

// Redact replaces detected PII in text, either with "[REDACTED:<type>]"
// markers or, when mask is set, with masked values. It also returns the
// spans that were replaced.
func (g *Guard) Redact(ctx context.Context, text string, mask bool) (string, []utils.RawMatch) {
	settings := g.settings.Get(ctx)
	matches := g.detector.Matches(text, &settings.DetectionConfig)
	if mask {
		return core.ApplyMasking(text, matches), matches
	}
	return core.ApplyRedactions(text, matches), matches
}

// Tokenize replaces detected PII in text with reversible vault tokens and
// returns the spans that were replaced.
func (g *Guard) Tokenize(ctx context.Context, text string) (string, []utils.RawMatch, error) {
	settings := g.settings.Get(ctx)
	matches := g.detector.Matches(text, &settings.DetectionConfig)
	out, err := g.tokens.TokenizeText(ctx, text, matches)
	if err != nil {
		return "", nil, err
	}
	return out, matches, nil
}

// Detokenize restores vault tokens in text. Tokens that cannot be resolved
// stay as they are.
func (g *Guard) Detokenize(ctx context.Context, text string) string {
	return g.tokens.DetokenizeText(ctx, text)
}

// UserClearance returns the highest level the user's groups are cleared for.
func (g *Guard) UserClearance(ctx context.Context, userID string) *core.ClassificationLevel {
	settings := g.settings.Get(ctx)
	return g.classifier.UserClearance(ctx, g.groups, userID, settings.ClearanceLevels)
}

// CanView reports whether userID is cleared for a document with the given
// text.
func (g *Guard) CanView(ctx context.Context, userID, text string) bool {
	return core.CanAccess(g.UserClearance(ctx, userID), g.Classify(ctx, text))
}

// ScanPage runs the full page pipeline: debounce, extract text, detect,
// classify and record an incident when PII is found. Incident recording
// failures are logged and never hide the findings.
func (g *Guard) ScanPage(ctx context.Context, doc Document) (ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return ScanResult{}, err
	}

	result := ScanResult{DocumentID: doc.ID, Findings: []utils.AggregatedFinding{}}
	if !g.debouncer.Allow(ctx, doc.ID) {
		result.Skipped = true
		return result, nil
	}

	text := core.ExtractText(doc.Body)
	settings := g.settings.Get(ctx)

	result.Findings = g.detector.Scan(text, &settings.DetectionConfig)
	result.Classification = g.classifier.Classify(text, settings.ClearanceLevels)
	result.Label = core.LabelFor(result.Classification)
	result.Detected = len(result.Findings) > 0

	if !result.Detected {
		g.logger.Debug("no PII found", "doc", doc.ID)
		return result, nil
	}

	result.Preview = core.ExtractContentPreview(doc.Body)
	result.Status = core.StatusActive
	if settings.EnableQuarantine {
		result.Status = core.StatusQuarantined
	}

	id, err := g.incidents.Record(ctx, core.NewIncident{
		PageID:    doc.ID,
		Title:     doc.Title,
		SpaceKey:  doc.SpaceKey,
		SpaceName: doc.SpaceName,
		Type:      doc.Type,
		PIITypes:  utils.Types(result.Findings),
		Status:    result.Status,
	})
	if err != nil {
		g.logger.Warn("scan findings kept without incident", "doc", doc.ID, "err", err)
		result.Status = ""
	}
	result.IncidentID = id

	if err := g.audit.Log(core.AuditEvent{
		EventType:  core.EventScan,
		Severity:   core.SeverityWarning,
		IncidentID: id,
		DocumentID: doc.ID,
		PIITypes:   utils.Types(result.Findings),
		Preview:    result.Preview,
		Metadata:   map[string]string{"label": result.Label},
	}); err != nil {
		g.logger.Warn("failed to write audit event", "err", err)
	}

	g.logger.Info("PII detected", "doc", doc.ID, "hits", utils.TotalCount(result.Findings), "incident", id)
	return result, nil
}

// TypeCount is the number of hits of one PII type
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// BatchFinding describes one page of a batch that contained PII
type BatchFinding struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Quarantined bool        `json:"isQuarantined"`
	Hits        []TypeCount `json:"hits"`
}

// BatchStats aggregates a batch scan
type BatchStats struct {
	Active      int            `json:"active"`
	Quarantined int            `json:"quarantined"`
	HitsByType  map[string]int `json:"hitsByType"`
}

// BatchResult is the outcome of ScanBatch
type BatchResult struct {
	PagesScanned int            `json:"pagesScanned"`
	Findings     []BatchFinding `json:"findings"`
	Stats        BatchStats     `json:"stats"`
}

// ScanBatch detects PII across many documents concurrently. It does not
// record incidents. Pages with read restrictions count as quarantined.
// Findings are reported in input order.
func (g *Guard) ScanBatch(ctx context.Context, docs []Document) (BatchResult, error) {
	settings := g.settings.Get(ctx)
	perDoc := make([][]utils.AggregatedFinding, len(docs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.batchLimit)
	for i := range docs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			perDoc[i] = g.detector.Scan(core.ExtractText(docs[i].Body), &settings.DetectionConfig)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{
		PagesScanned: len(docs),
		Findings:     []BatchFinding{},
		Stats:        BatchStats{HitsByType: map[string]int{}},
	}
	for i, doc := range docs {
		if doc.Restricted {
			result.Stats.Quarantined++
		} else {
			result.Stats.Active++
		}

		if len(perDoc[i]) == 0 {
			continue
		}

		finding := BatchFinding{ID: doc.ID, Title: doc.Title, Quarantined: doc.Restricted}
		for _, f := range perDoc[i] {
			result.Stats.HitsByType[f.Type] += f.Count
			finding.Hits = append(finding.Hits, TypeCount{Type: f.Type, Count: f.Count})
		}
		result.Findings = append(result.Findings, finding)
	}

	g.logger.Info("batch scanned", "pages", len(docs), "flagged", len(result.Findings))
	return result, nil
}

// PageVersion is one historical revision of a page
type PageVersion struct {
	Number int    `json:"number"`
	Body   string `json:"body"`
}

// VersionFinding reports PII in one historical revision
type VersionFinding struct {
	Version  int      `json:"version"`
	PIICount int      `json:"piiCount"`
	PIITypes []string `json:"piiTypes"`
}

// ScanVersions checks historical revisions of a page. PII removed from the
// current page may still be readable in older versions.
func (g *Guard) ScanVersions(ctx context.Context, versions []PageVersion) []VersionFinding {
	settings := g.settings.Get(ctx)

	out := []VersionFinding{}
	for _, v := range versions {
		if ctx.Err() != nil {
			break
		}
		findings := g.detector.Scan(core.ExtractText(v.Body), &settings.DetectionConfig)
		if len(findings) == 0 {
			continue
		}
		out = append(out, VersionFinding{
			Version:  v.Number,
			PIICount: utils.TotalCount(findings),
			PIITypes: utils.Types(findings),
		})
	}
	return out
}
