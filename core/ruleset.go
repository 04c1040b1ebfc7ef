package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrHashMismatch is returned when a ruleset file was edited after it was
// saved with an integrity hash.
var ErrHashMismatch = errors.New("ruleset hash mismatch")

// RulesetMetadata contains information about the ruleset
type RulesetMetadata struct {
	// Version of the ruleset
	Version string `yaml:"version"`

	// When the ruleset was created
	CreatedAt time.Time `yaml:"created_at"`

	// Last modification time
	UpdatedAt time.Time `yaml:"updated_at"`

	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`

	// SHA-256 of the ruleset content with this field empty
	Hash string `yaml:"hash,omitempty"`
}

// Ruleset is the file form of the engine settings: which detectors run,
// whether new incidents are quarantined and the classification levels.
type Ruleset struct {
	Metadata         RulesetMetadata       `yaml:"metadata"`
	Detection        DetectionConfig       `yaml:"detection"`
	EnableQuarantine bool                  `yaml:"enable_quarantine"`
	Levels           []ClassificationLevel `yaml:"levels"`
}

// Settings converts the ruleset to effective settings.
func (r *Ruleset) Settings() Settings {
	return Settings{
		DetectionConfig:  r.Detection,
		EnableQuarantine: r.EnableQuarantine,
		ClearanceLevels:  cloneLevels(r.Levels),
	}
}

// RulesetFromSettings captures settings as a ruleset with fresh metadata.
func RulesetFromSettings(s Settings, version string) *Ruleset {
	now := time.Now().UTC()
	return &Ruleset{
		Metadata:         RulesetMetadata{Version: version, CreatedAt: now, UpdatedAt: now},
		Detection:        s.DetectionConfig,
		EnableQuarantine: s.EnableQuarantine,
		Levels:           cloneLevels(s.ClearanceLevels),
	}
}

// LoadRuleset reads and validates a YAML ruleset file.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset file: %w", err)
	}
	return ParseRuleset(data)
}

// ParseRuleset decodes and validates a YAML ruleset. When the document carries
// a hash it must match the content.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var r Ruleset
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, newEngineError(ErrorCategoryInput, "parse ruleset", err)
	}

	if err := ValidateLevels(r.Levels); err != nil {
		return nil, newEngineError(ErrorCategoryValidation, "parse ruleset", err)
	}

	hash, err := contentHash(&r)
	if err != nil {
		return nil, err
	}
	if r.Metadata.Hash != "" && r.Metadata.Hash != hash {
		return nil, newEngineError(ErrorCategoryIntegrity, "parse ruleset", ErrHashMismatch)
	}
	r.Metadata.Hash = hash

	return &r, nil
}

// SaveRuleset validates r, stamps its update time and hash and writes it to
// path as YAML.
func SaveRuleset(r *Ruleset, path string) error {
	if err := ValidateLevels(r.Levels); err != nil {
		return newEngineError(ErrorCategoryValidation, "save ruleset", err)
	}

	r.Metadata.UpdatedAt = time.Now().UTC()
	if r.Metadata.CreatedAt.IsZero() {
		r.Metadata.CreatedAt = r.Metadata.UpdatedAt
	}

	hash, err := contentHash(r)
	if err != nil {
		return err
	}
	r.Metadata.Hash = hash

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize ruleset: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create ruleset directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ruleset file: %w", err)
	}
	return nil
}

// contentHash hashes the YAML encoding of r with its hash field cleared.
func contentHash(r *Ruleset) (string, error) {
	clone := *r
	clone.Metadata.Hash = ""

	data, err := yaml.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("failed to serialize ruleset: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ValidateLevels checks that levels form a usable ruleset: ids are present
// and unique, and exactly one level is unclassified with the lowest rank.
func ValidateLevels(levels []ClassificationLevel) error {
	var problems ValidationErrors
	if len(levels) == 0 {
		return append(problems, "no classification levels")
	}

	seen := make(map[string]bool, len(levels))
	var unclassified *ClassificationLevel
	for i := range levels {
		level := &levels[i]
		switch {
		case level.ID == "":
			problems = append(problems, fmt.Sprintf("level %d has no id", i))
			continue
		case seen[level.ID]:
			problems = append(problems, fmt.Sprintf("duplicate level id %q", level.ID))
		}
		seen[level.ID] = true

		if level.ID == UnclassifiedID {
			if unclassified != nil {
				continue
			}
			unclassified = level
		}
	}

	if unclassified == nil {
		problems = append(problems, fmt.Sprintf("missing %q level", UnclassifiedID))
	} else {
		for _, level := range levels {
			if level.ID != UnclassifiedID && level.Rank <= unclassified.Rank {
				problems = append(problems, fmt.Sprintf("level %q must rank above %q", level.ID, UnclassifiedID))
			}
		}
	}

	if len(problems) > 0 {
		return problems
	}
	return nil
}
