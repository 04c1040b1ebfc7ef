package core

import (
	"context"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/SamuelRCrider/pii-guard/utils"
)

// UnclassifiedID is the reserved id of the lowest-ranked level. It is the
// implicit result when no keyword matches.
const UnclassifiedID = "unclassified"

// ClassificationLevel is an organizational sensitivity tier
type ClassificationLevel struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Rank     int      `json:"rank" yaml:"rank"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Groups   []string `json:"authorizedGroups" yaml:"authorized_groups"`
}

// DefaultLevels returns the built-in five-tier ruleset.
func DefaultLevels() []ClassificationLevel {
	return []ClassificationLevel{
		{ID: "top-secret", Name: "Top Secret", Rank: 5, Keywords: []string{"TOP SECRET", "TS//"}, Groups: []string{"security-admins"}},
		{ID: "secret", Name: "Secret", Rank: 4, Keywords: []string{"SECRET"}, Groups: []string{"security-admins", "managers"}},
		{ID: "confidential", Name: "Confidential", Rank: 3, Keywords: []string{"CONFIDENTIAL", "PROPRIETARY"}, Groups: []string{"employees"}},
		{ID: "internal", Name: "Internal", Rank: 2, Keywords: []string{"INTERNAL ONLY", "INTERNAL USE"}, Groups: []string{"staff"}},
		{ID: UnclassifiedID, Name: "Unclassified", Rank: 1, Keywords: []string{"PUBLIC"}, Groups: []string{}},
	}
}

// GroupResolver looks up the group memberships of a user
type GroupResolver interface {
	GroupsFor(ctx context.Context, userID string) ([]string, error)
}

// StaticGroups resolves groups from a fixed user -> groups table.
type StaticGroups map[string][]string

// GroupsFor returns the configured groups for userID, or none.
func (s StaticGroups) GroupsFor(_ context.Context, userID string) ([]string, error) {
	return s[userID], nil
}

// ClassificationEngine assigns sensitivity levels to documents and computes
// user clearance. It holds no state beyond its logger.
type ClassificationEngine struct {
	logger *log.Logger
}

// NewClassificationEngine creates a classification engine
func NewClassificationEngine(logger *log.Logger) *ClassificationEngine {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &ClassificationEngine{logger: logger}
}

// Classify returns the most sensitive level with a keyword present in text.
// Matching is a case-insensitive substring search. When nothing matches the
// unclassified level is returned, or nil if the ruleset has none.
func (e *ClassificationEngine) Classify(text string, levels []ClassificationLevel) *ClassificationLevel {
	upper := strings.ToUpper(text)

	for _, i := range byRankDesc(levels) {
		level := &levels[i]
		for _, keyword := range level.Keywords {
			if keyword == "" {
				continue
			}
			if strings.Contains(upper, strings.ToUpper(keyword)) {
				e.logger.Debug("detected classification", "level", level.Name, "keyword", keyword)
				return level
			}
		}
	}

	return findLevel(levels, UnclassifiedID)
}

// ClearanceFor returns the highest-ranked level whose authorized groups
// intersect userGroups, defaulting to the unclassified level.
func (e *ClassificationEngine) ClearanceFor(userGroups []string, levels []ClassificationLevel) *ClassificationLevel {
	member := make(map[string]struct{}, len(userGroups))
	for _, g := range userGroups {
		member[g] = struct{}{}
	}

	highest := findLevel(levels, UnclassifiedID)
	for i := range levels {
		level := &levels[i]
		if !intersects(level.Groups, member) {
			continue
		}
		if highest == nil || level.Rank > highest.Rank {
			highest = level
		}
	}

	if highest != nil {
		e.logger.Debug("resolved clearance", "level", highest.Name, "groups", len(userGroups))
	}
	return highest
}

// UserClearance resolves the user's groups and returns their clearance. A
// failed lookup is treated as membership in no groups.
func (e *ClassificationEngine) UserClearance(ctx context.Context, resolver GroupResolver, userID string, levels []ClassificationLevel) *ClassificationLevel {
	var groups []string
	if resolver != nil {
		g, err := resolver.GroupsFor(ctx, userID)
		if err != nil {
			e.logger.Warn("group lookup failed", "user", userID, "err", err)
		} else {
			groups = g
		}
	}
	return e.ClearanceFor(groups, levels)
}

// CanAccess reports whether a user holding the user level may see content at
// the required level. Missing levels never grant access.
func CanAccess(user, required *ClassificationLevel) bool {
	if user == nil || required == nil {
		return false
	}
	return user.Rank >= required.Rank
}

// LabelFor returns the host content label for a level. Unclassified content
// carries no label.
func LabelFor(level *ClassificationLevel) string {
	if level == nil || level.ID == UnclassifiedID {
		return ""
	}
	return "classification-" + slug(level.ID)
}

// byRankDesc returns level indices ordered from most to least sensitive.
// Equal ranks keep ruleset order.
func byRankDesc(levels []ClassificationLevel) []int {
	idx := make([]int, len(levels))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return levels[idx[a]].Rank > levels[idx[b]].Rank
	})
	return idx
}

func findLevel(levels []ClassificationLevel, id string) *ClassificationLevel {
	for i := range levels {
		if levels[i].ID == id {
			return &levels[i]
		}
	}
	return nil
}

func intersects(groups []string, member map[string]struct{}) bool {
	for _, g := range groups {
		if _, ok := member[g]; ok {
			return true
		}
	}
	return false
}

// slug lower-cases s and replaces anything outside [a-z0-9-] with '-'.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
