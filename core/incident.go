package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/SamuelRCrider/pii-guard/kv"
	"github.com/SamuelRCrider/pii-guard/utils"
)

// Key namespaces shared by everything persisted through kv.Store
const (
	IncidentKeyPrefix = "pii-incident-"
	SettingsKey       = "pii-settings-v1"
	DebounceKeyPrefix = "pii-scan-lock-"
)

// DefaultListLimit is used when List is called with a non-positive limit
const DefaultListLimit = 50

// DefaultIncidentType is recorded when the caller does not name one
const DefaultIncidentType = "Page"

// Status is the lifecycle state of an incident
type Status string

const (
	StatusActive      Status = "Active"
	StatusQuarantined Status = "Quarantined"
	StatusResolved    Status = "Resolved"
	StatusDismissed   Status = "Dismissed"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{StatusActive, StatusQuarantined, StatusResolved, StatusDismissed}

// transitions holds the allowed moves out of each non-terminal state
var transitions = map[Status][]Status{
	StatusActive:      {StatusQuarantined, StatusDismissed, StatusResolved},
	StatusQuarantined: {StatusResolved, StatusDismissed},
}

// ParseStatus matches s case-insensitively against the known statuses.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDismissed
}

// CanTransition reports whether an incident in s may move to next. Writing
// the current status again is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Incident is a persisted record of a scan that found PII
type Incident struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	PageID     string    `json:"pageId"`
	Title      string    `json:"title"`
	SpaceKey   string    `json:"spaceKey"`
	SpaceName  string    `json:"spaceName"`
	Type       string    `json:"type"`
	PIITypes   []string  `json:"piiTypes"`
	Status     Status    `json:"status"`
	Remediated bool      `json:"remediated"`
}

// NewIncident carries the caller-supplied fields of an incident
type NewIncident struct {
	PageID    string
	Title     string
	SpaceKey  string
	SpaceName string
	Type      string
	PIITypes  []string
	// Status defaults to Active
	Status Status
}

// PageStatus summarizes the incidents recorded against one page
type PageStatus struct {
	PageID         string     `json:"pageId"`
	HasPII         bool       `json:"hasPii"`
	Status         string     `json:"status,omitempty"`
	IncidentCount  int        `json:"incidentCount"`
	TotalIncidents int        `json:"totalIncidents"`
	PIITypes       []string   `json:"piiTypes,omitempty"`
	LastDetected   *time.Time `json:"lastDetected,omitempty"`
}

// IncidentStore records and tracks incidents in a kv.Store. It is safe for
// concurrent use; status updates are compare-and-swap writes.
type IncidentStore struct {
	store     kv.Store
	logger    *log.Logger
	audit     *AuditTrail
	now       func() time.Time
	newSuffix func() string
}

// IncidentOption configures an IncidentStore
type IncidentOption func(*IncidentStore)

// WithIncidentLogger sets the logger
func WithIncidentLogger(logger *log.Logger) IncidentOption {
	return func(s *IncidentStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuditTrail appends every mutation to trail
func WithAuditTrail(trail *AuditTrail) IncidentOption {
	return func(s *IncidentStore) { s.audit = trail }
}

// WithIncidentClock replaces time.Now
func WithIncidentClock(now func() time.Time) IncidentOption {
	return func(s *IncidentStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewIncidentStore creates an incident store backed by store
func NewIncidentStore(store kv.Store, opts ...IncidentOption) *IncidentStore {
	s := &IncidentStore{
		store:     store,
		logger:    utils.NopLogger(),
		now:       time.Now,
		newSuffix: randomSuffix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// randomSuffix returns 12 hex characters from a random UUID.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// newID builds an id that sorts by creation time within the key namespace.
func (s *IncidentStore) newID(at time.Time) string {
	return fmt.Sprintf("%s%013d-%s", IncidentKeyPrefix, at.UnixMilli(), s.newSuffix())
}

// Record persists a new incident and returns its id. Persistence failures are
// logged and returned; callers on the detection path may ignore them.
func (s *IncidentStore) Record(ctx context.Context, in NewIncident) (string, error) {
	status := in.Status
	if status == "" {
		status = StatusActive
	}
	if _, ok := ParseStatus(string(status)); !ok {
		return "", newEngineError(ErrorCategoryInput, "record incident", fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}

	incidentType := in.Type
	if incidentType == "" {
		incidentType = DefaultIncidentType
	}

	now := s.now().UTC()
	incident := Incident{
		ID:         s.newID(now),
		Timestamp:  now,
		PageID:     in.PageID,
		Title:      in.Title,
		SpaceKey:   in.SpaceKey,
		SpaceName:  in.SpaceName,
		Type:       incidentType,
		PIITypes:   append([]string{}, in.PIITypes...),
		Status:     status,
		Remediated: status.Terminal(),
	}

	data, err := json.Marshal(incident)
	if err != nil {
		return "", newEngineError(ErrorCategoryInput, "record incident", err)
	}

	if err := s.store.Set(ctx, incident.ID, data); err != nil {
		s.logger.Error("failed to record incident", "page", in.PageID, "err", err)
		return "", newEngineError(ErrorCategoryPersistence, "record incident", err)
	}

	s.logger.Info("recorded incident", "id", incident.ID, "page", in.PageID, "types", incident.PIITypes)
	s.logAudit(AuditEvent{
		EventType:  EventIncidentRecorded,
		Severity:   SeverityWarning,
		IncidentID: incident.ID,
		DocumentID: incident.PageID,
		PIITypes:   incident.PIITypes,
		Status:     incident.Status,
		Preview:    incident.Title,
	})

	return incident.ID, nil
}

// List returns up to limit incidents, newest first. Records that cannot be
// decoded are skipped. A store failure yields an empty list.
func (s *IncidentStore) List(ctx context.Context, limit int) []Incident {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	incidents, err := s.all(ctx)
	if err != nil {
		s.logger.Error("failed to fetch incidents", "err", err)
		return []Incident{}
	}

	if len(incidents) > limit {
		incidents = incidents[:limit]
	}
	return incidents
}

// all loads every decodable incident sorted newest first.
func (s *IncidentStore) all(ctx context.Context) ([]Incident, error) {
	records, err := s.store.Query(ctx, IncidentKeyPrefix, 0)
	if err != nil {
		return nil, newEngineError(ErrorCategoryPersistence, "list incidents", err)
	}

	incidents := make([]Incident, 0, len(records))
	for _, rec := range records {
		inc, err := decodeIncident(rec.Value)
		if err != nil {
			s.logger.Warn("skipping unreadable incident", "key", rec.Key, "err", err)
			continue
		}
		incidents = append(incidents, inc)
	}

	sort.SliceStable(incidents, func(i, j int) bool {
		if incidents[i].Timestamp.Equal(incidents[j].Timestamp) {
			return incidents[i].ID > incidents[j].ID
		}
		return incidents[i].Timestamp.After(incidents[j].Timestamp)
	})
	return incidents, nil
}

// Get looks up one incident.
func (s *IncidentStore) Get(ctx context.Context, id string) (*Incident, bool) {
	inc, _, err := s.load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrUnknownIncident) {
			s.logger.Warn("failed to load incident", "id", id, "err", err)
		}
		return nil, false
	}
	return &inc, true
}

// load returns the decoded incident and its raw stored bytes.
func (s *IncidentStore) load(ctx context.Context, id string) (Incident, []byte, error) {
	if !strings.HasPrefix(id, IncidentKeyPrefix) {
		return Incident{}, nil, ErrUnknownIncident
	}

	raw, err := s.store.Get(ctx, id)
	if errors.Is(err, kv.ErrNotFound) {
		return Incident{}, nil, ErrUnknownIncident
	}
	if err != nil {
		return Incident{}, nil, newEngineError(ErrorCategoryPersistence, "load incident", err)
	}

	inc, err := decodeIncident(raw)
	if err != nil {
		return Incident{}, nil, newEngineError(ErrorCategoryIntegrity, "load incident", err)
	}
	return inc, raw, nil
}

// maxUpdateAttempts bounds compare-and-swap retries under contention
const maxUpdateAttempts = 3

// UpdateStatus moves an incident to status and recomputes Remediated. It
// returns false for unknown ids, unknown statuses, disallowed transitions and
// persistence failures.
func (s *IncidentStore) UpdateStatus(ctx context.Context, id string, status Status) bool {
	return s.Transition(ctx, id, status) == nil
}

// Transition is UpdateStatus with the failure reason. Unknown ids wrap
// ErrUnknownIncident, disallowed moves wrap ErrInvalidTransition and store
// failures carry ErrorCategoryPersistence.
func (s *IncidentStore) Transition(ctx context.Context, id string, status Status) error {
	next, ok := ParseStatus(string(status))
	if !ok {
		s.logger.Warn("rejected unknown status", "id", id, "status", status)
		return newEngineError(ErrorCategoryInput, "update incident", fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		inc, raw, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUnknownIncident) {
				s.logger.Warn("incident not found", "id", id)
				return newEngineError(ErrorCategoryInput, "update incident", err)
			}
			s.logger.Error("failed to update incident", "id", id, "err", err)
			return err
		}

		if !inc.Status.CanTransition(next) {
			s.logger.Warn("rejected status transition", "id", id, "from", inc.Status, "to", next)
			return newEngineError(ErrorCategoryValidation, "update incident",
				fmt.Errorf("%w: %s to %s", ErrInvalidTransition, inc.Status, next))
		}

		previous := inc.Status
		inc.Status = next
		inc.Remediated = next.Terminal()

		data, err := json.Marshal(inc)
		if err != nil {
			s.logger.Error("failed to encode incident", "id", id, "err", err)
			return newEngineError(ErrorCategoryIntegrity, "update incident", err)
		}

		swapped, err := s.store.CompareAndSwap(ctx, id, raw, data)
		if err != nil {
			s.logger.Error("failed to update incident", "id", id, "err", err)
			return newEngineError(ErrorCategoryPersistence, "update incident", err)
		}
		if !swapped {
			// concurrent writer; reload and re-check the transition
			continue
		}

		s.logger.Info("updated incident", "id", id, "from", previous, "to", next)
		s.logAudit(AuditEvent{
			EventType:      EventIncidentStatus,
			IncidentID:     id,
			DocumentID:     inc.PageID,
			Status:         next,
			PreviousStatus: previous,
		})
		return nil
	}

	s.logger.Warn("gave up updating contended incident", "id", id)
	return newEngineError(ErrorCategoryPersistence, "update incident", errors.New("incident update contended"))
}

// Delete removes an incident. Deleting a missing incident succeeds.
func (s *IncidentStore) Delete(ctx context.Context, id string) bool {
	return s.Remove(ctx, id) == nil
}

// Remove is Delete with the failure reason. Keys outside the incident
// namespace wrap ErrUnknownIncident.
func (s *IncidentStore) Remove(ctx context.Context, id string) error {
	if !strings.HasPrefix(id, IncidentKeyPrefix) {
		s.logger.Warn("refusing to delete key outside incident namespace", "key", id)
		return newEngineError(ErrorCategoryInput, "delete incident", fmt.Errorf("%w: %q", ErrUnknownIncident, id))
	}

	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Error("failed to delete incident", "id", id, "err", err)
		return newEngineError(ErrorCategoryPersistence, "delete incident", err)
	}

	s.logAudit(AuditEvent{EventType: EventIncidentDeleted, IncidentID: id})
	return nil
}

// Counts returns the number of incidents in each status. Every status is
// present in the result.
func (s *IncidentStore) Counts(ctx context.Context) map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}

	incidents, err := s.all(ctx)
	if err != nil {
		s.logger.Error("failed to count incidents", "err", err)
		return counts
	}
	for _, inc := range incidents {
		counts[inc.Status]++
	}
	return counts
}

// PageStatus summarizes the incidents of one page: how many are still open,
// which PII types were seen and when the latest was detected.
func (s *IncidentStore) PageStatus(ctx context.Context, pageID string) PageStatus {
	result := PageStatus{PageID: pageID}

	incidents, err := s.all(ctx)
	if err != nil {
		s.logger.Error("failed to load page incidents", "page", pageID, "err", err)
		return result
	}

	seen := make(map[string]struct{})
	for _, inc := range incidents {
		if inc.PageID != pageID {
			continue
		}
		if result.LastDetected == nil {
			ts := inc.Timestamp
			result.LastDetected = &ts
		}
		result.TotalIncidents++
		if !inc.Remediated {
			result.IncidentCount++
		}
		for _, t := range inc.PIITypes {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				result.PIITypes = append(result.PIITypes, t)
			}
		}
	}

	if result.TotalIncidents == 0 {
		return result
	}

	result.HasPII = true
	result.Status = "resolved"
	if result.IncidentCount > 0 {
		result.Status = "active"
	}
	return result
}

func (s *IncidentStore) logAudit(event AuditEvent) {
	if err := s.audit.Log(event); err != nil {
		s.logger.Warn("failed to write audit event", "event", event.EventType, "err", err)
	}
}

// decodeIncident parses a stored record and checks the fields every
// incident must carry.
func decodeIncident(raw []byte) (Incident, error) {
	var inc Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return Incident{}, err
	}
	if inc.ID == "" {
		return Incident{}, errors.New("incident has no id")
	}
	if _, ok := ParseStatus(string(inc.Status)); !ok {
		return Incident{}, fmt.Errorf("%w: %q", ErrInvalidStatus, inc.Status)
	}
	return inc, nil
}
