package core

import (
	"time"
)

// RulesetBuilder provides a fluent interface for creating rulesets
type RulesetBuilder struct {
	ruleset *Ruleset
}

// NewRulesetBuilder creates a builder with every detector enabled and no
// levels.
func NewRulesetBuilder() *RulesetBuilder {
	now := time.Now().UTC()
	return &RulesetBuilder{
		ruleset: &Ruleset{
			Metadata: RulesetMetadata{
				CreatedAt: now,
				UpdatedAt: now,
			},
			Detection: AllEnabled(),
			Levels:    []ClassificationLevel{},
		},
	}
}

// WithMetadata sets the ruleset metadata
func (b *RulesetBuilder) WithMetadata(version, description, author string) *RulesetBuilder {
	b.ruleset.Metadata.Version = version
	b.ruleset.Metadata.Description = description
	b.ruleset.Metadata.Author = author
	return b
}

// WithDetection replaces the detector switches
func (b *RulesetBuilder) WithDetection(cfg DetectionConfig) *RulesetBuilder {
	b.ruleset.Detection = cfg
	return b
}

// WithQuarantine sets whether new incidents start quarantined
func (b *RulesetBuilder) WithQuarantine(enabled bool) *RulesetBuilder {
	b.ruleset.EnableQuarantine = enabled
	return b
}

// WithDefaultLevels appends the built-in levels
func (b *RulesetBuilder) WithDefaultLevels() *RulesetBuilder {
	b.ruleset.Levels = append(b.ruleset.Levels, DefaultLevels()...)
	return b
}

// AddLevel adds a classification level
func (b *RulesetBuilder) AddLevel(id, name string, rank int, keywords ...string) *RulesetBuilder {
	b.ruleset.Levels = append(b.ruleset.Levels, ClassificationLevel{
		ID:       id,
		Name:     name,
		Rank:     rank,
		Keywords: keywords,
		Groups:   []string{},
	})
	return b
}

// ConfigureLastLevel configures additional properties for the last added level
func (b *RulesetBuilder) ConfigureLastLevel() *LevelConfigurator {
	if len(b.ruleset.Levels) == 0 {
		b.ruleset.Levels = append(b.ruleset.Levels, ClassificationLevel{})
	}
	return &LevelConfigurator{
		builder: b,
		level:   &b.ruleset.Levels[len(b.ruleset.Levels)-1],
	}
}

// Build validates and returns the ruleset
func (b *RulesetBuilder) Build() (*Ruleset, error) {
	if err := ValidateLevels(b.ruleset.Levels); err != nil {
		return nil, newEngineError(ErrorCategoryValidation, "build ruleset", err)
	}
	b.ruleset.Metadata.UpdatedAt = time.Now().UTC()
	return b.ruleset, nil
}

// LevelConfigurator provides methods to configure a level
type LevelConfigurator struct {
	builder *RulesetBuilder
	level   *ClassificationLevel
}

// ForGroups sets the groups cleared for the level
func (c *LevelConfigurator) ForGroups(groups ...string) *LevelConfigurator {
	c.level.Groups = groups
	return c
}

// WithKeywords appends keywords to the level
func (c *LevelConfigurator) WithKeywords(keywords ...string) *LevelConfigurator {
	c.level.Keywords = append(c.level.Keywords, keywords...)
	return c
}

// Done returns to the ruleset builder
func (c *LevelConfigurator) Done() *RulesetBuilder {
	return c.builder
}
