package core

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/SamuelRCrider/pii-guard/utils"
)

// PIIType identifies a category of personally identifiable information
type PIIType string

const (
	// TypeEmail represents email addresses
	TypeEmail PIIType = "email"

	// TypePhone represents NANP phone numbers
	TypePhone PIIType = "phone"

	// TypeCreditCard represents payment card numbers
	TypeCreditCard PIIType = "creditCard"

	// TypeSSN represents US Social Security Numbers
	TypeSSN PIIType = "ssn"

	// TypePassport represents passport numbers
	TypePassport PIIType = "passport"

	// TypeDriversLicense represents driver's license and generic ID numbers
	TypeDriversLicense PIIType = "driversLicense"
)

// AllPIITypes lists every supported type in detection-config order.
var AllPIITypes = []PIIType{TypeEmail, TypePhone, TypeCreditCard, TypeSSN, TypePassport, TypeDriversLicense}

// Confidence scores attached to raw matches
const (
	ConfidenceHigh   = 10
	ConfidenceMedium = 5
	ConfidenceLow    = 1
)

// ContextRadius is the number of characters inspected on each side of an
// ambiguous match when looking for disambiguating keywords.
const ContextRadius = 30

// DetectionConfig switches individual PII types on or off for a scan.
// A nil *DetectionConfig means every type is enabled.
type DetectionConfig struct {
	Email          bool `json:"email" yaml:"email"`
	Phone          bool `json:"phone" yaml:"phone"`
	CreditCard     bool `json:"creditCard" yaml:"creditCard"`
	SSN            bool `json:"ssn" yaml:"ssn"`
	Passport       bool `json:"passport" yaml:"passport"`
	DriversLicense bool `json:"driversLicense" yaml:"driversLicense"`
}

// AllEnabled returns the engine default configuration.
func AllEnabled() DetectionConfig {
	return DetectionConfig{
		Email:          true,
		Phone:          true,
		CreditCard:     true,
		SSN:            true,
		Passport:       true,
		DriversLicense: true,
	}
}

// Enabled reports whether the given type is switched on.
func (c DetectionConfig) Enabled(t PIIType) bool {
	switch t {
	case TypeEmail:
		return c.Email
	case TypePhone:
		return c.Phone
	case TypeCreditCard:
		return c.CreditCard
	case TypeSSN:
		return c.SSN
	case TypePassport:
		return c.Passport
	case TypeDriversLicense:
		return c.DriversLicense
	default:
		return false
	}
}

// ConfigFromTypes builds an explicit config enabling only the listed types.
// Unknown identifiers are ignored.
func ConfigFromTypes(types ...string) DetectionConfig {
	var c DetectionConfig
	for _, t := range types {
		switch PIIType(t) {
		case TypeEmail:
			c.Email = true
		case TypePhone:
			c.Phone = true
		case TypeCreditCard:
			c.CreditCard = true
		case TypeSSN:
			c.SSN = true
		case TypePassport:
			c.Passport = true
		case TypeDriversLicense:
			c.DriversLicense = true
		}
	}
	return c
}

// Keyword groups used for context disambiguation
var (
	passportKeywords = []string{"passport"}
	ssnKeywords      = []string{"social", "ssn", "security"}
	licenseKeywords  = []string{"license", "driving", "driver"}

	// the generic ID pass also accepts the "dl" abbreviation
	idLicenseKeywords = []string{"license", "driver", "driving", "dl"}
)

// candidate is the span under evaluation by a detection pass
type candidate struct {
	text       string
	start, end int
	source     string
}

// window returns the lower-cased context window around the candidate.
func (c candidate) window() string {
	return strings.ToLower(ContextWindow(c.source, c.start, c.end, ContextRadius))
}

// resolver decides which type (if any) a candidate is claimed as.
type resolver func(c candidate, cfg DetectionConfig) (PIIType, int, bool)

// detectionPass is one step of the ordered scan. Passes run in table order
// and share one set of claimed offsets.
type detectionPass struct {
	name     string
	pattern  *regexp.Regexp
	gate     func(cfg DetectionConfig) bool
	validate func(s string) bool
	resolve  resolver
}

// fixed returns a resolver that always claims the candidate as t.
func fixed(t PIIType, confidence int) resolver {
	return func(candidate, DetectionConfig) (PIIType, int, bool) {
		return t, confidence, true
	}
}

var defaultPasses = []detectionPass{
	{
		name:    "strict_ssn",
		pattern: regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`),
		gate:    func(c DetectionConfig) bool { return c.SSN },
		resolve: fixed(TypeSSN, ConfidenceHigh),
	},
	{
		name:    "email",
		pattern: regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`),
		gate:    func(c DetectionConfig) bool { return c.Email },
		resolve: fixed(TypeEmail, ConfidenceHigh),
	},
	{
		name:     "phone",
		pattern:  regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		gate:     func(c DetectionConfig) bool { return c.Phone },
		validate: ValidatePhone,
		resolve:  fixed(TypePhone, ConfidenceMedium),
	},
	{
		name:     "credit_card",
		pattern:  regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
		gate:     func(c DetectionConfig) bool { return c.CreditCard },
		validate: ValidateCreditCard,
		resolve:  fixed(TypeCreditCard, ConfidenceHigh),
	},
	{
		name:    "nine_digit",
		pattern: regexp.MustCompile(`\b\d{9}\b`),
		gate: func(c DetectionConfig) bool {
			return c.SSN || c.Passport || c.DriversLicense
		},
		resolve: resolveNineDigit,
	},
	{
		name:    "alphanumeric_id",
		pattern: regexp.MustCompile(`\b[A-Z0-9]{6,12}\b`),
		gate:    func(c DetectionConfig) bool { return c.DriversLicense },
		resolve: resolveAlphanumericID,
	},
}

// resolveNineDigit disambiguates a bare 9-digit number, which is shaped like
// an SSN, a passport number and a license number at the same time.
// Priority: passport > ssn > license > unlabelled ssn.
func resolveNineDigit(c candidate, cfg DetectionConfig) (PIIType, int, bool) {
	ctx := c.window()

	switch {
	case cfg.Passport && containsAny(ctx, passportKeywords):
		return TypePassport, ConfidenceHigh, true
	case cfg.SSN && containsAny(ctx, ssnKeywords):
		return TypeSSN, 9, true
	case cfg.DriversLicense && containsAny(ctx, licenseKeywords):
		return TypeDriversLicense, 8, true
	case cfg.SSN:
		return TypeSSN, ConfidenceLow, true
	}
	return "", 0, false
}

// resolveAlphanumericID handles 6-12 character uppercase/digit tokens.
// All-letter tokens are ordinary words far more often than IDs.
func resolveAlphanumericID(c candidate, _ DetectionConfig) (PIIType, int, bool) {
	hasDigit, hasLetter := classifyRunes(c.text)
	if !hasDigit {
		return "", 0, false
	}

	if containsAny(c.window(), idLicenseKeywords) {
		return TypeDriversLicense, ConfidenceHigh, true
	}
	if hasLetter {
		return TypeDriversLicense, ConfidenceMedium, true
	}
	return "", 0, false
}

// PatternDetector runs the ordered detection passes over text. It holds no
// mutable state and is safe for concurrent use.
type PatternDetector struct {
	passes []detectionPass
}

// NewPatternDetector creates a detector with the built-in pass order.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{passes: defaultPasses}
}

var defaultDetector = NewPatternDetector()

// Matches returns every claimed span in discovery order. Spans never overlap.
func (d *PatternDetector) Matches(text string, cfg *DetectionConfig) []utils.RawMatch {
	if text == "" {
		return nil
	}

	config := AllEnabled()
	if cfg != nil {
		config = *cfg
	}

	claimed := make([]bool, len(text))
	var matches []utils.RawMatch

	for _, pass := range d.passes {
		if !pass.gate(config) {
			continue
		}

		for _, loc := range pass.pattern.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if overlaps(claimed, start, end) {
				continue
			}

			value := text[start:end]
			if pass.validate != nil && !pass.validate(value) {
				continue
			}

			piiType, confidence, ok := pass.resolve(candidate{text: value, start: start, end: end, source: text}, config)
			if !ok || !config.Enabled(piiType) {
				continue
			}

			for i := start; i < end; i++ {
				claimed[i] = true
			}
			matches = append(matches, utils.RawMatch{
				Start:      start,
				End:        end,
				Text:       value,
				Type:       string(piiType),
				Confidence: confidence,
			})
		}
	}

	return matches
}

// Scan detects PII in text and aggregates the matches by type.
func (d *PatternDetector) Scan(text string, cfg *DetectionConfig) []utils.AggregatedFinding {
	return Aggregate(d.Matches(text, cfg))
}

// DetectPII scans text with the default detector.
func DetectPII(text string, cfg *DetectionConfig) []utils.AggregatedFinding {
	return defaultDetector.Scan(text, cfg)
}

// DetectMatches returns the raw spans found by the default detector.
func DetectMatches(text string, cfg *DetectionConfig) []utils.RawMatch {
	return defaultDetector.Matches(text, cfg)
}

// Aggregate groups raw matches by type, keeping the order in which each
// type was first seen and the discovery order of its matches.
func Aggregate(matches []utils.RawMatch) []utils.AggregatedFinding {
	findings := []utils.AggregatedFinding{}
	index := make(map[string]int)

	for _, m := range matches {
		i, ok := index[m.Type]
		if !ok {
			i = len(findings)
			index[m.Type] = i
			findings = append(findings, utils.AggregatedFinding{Type: m.Type})
		}
		findings[i].Count++
		findings[i].Matches = append(findings[i].Matches, m.Text)
	}
	return findings
}

// ValidatePhone accepts candidates carrying at least 10 digits.
func ValidatePhone(s string) bool {
	return countDigits(s) >= 10
}

// ValidateCreditCard accepts 13 to 16 digits once '-' and whitespace
// separators are removed.
func ValidateCreditCard(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r == '-' || unicode.IsSpace(r):
			continue
		case r >= '0' && r <= '9':
			digits++
		default:
			return false
		}
	}
	return digits >= 13 && digits <= 16
}

// ContextWindow returns text[start:end] widened by up to radius characters on
// each side, clamped to the text bounds.
func ContextWindow(text string, start, end, radius int) string {
	lo := start
	for i := 0; i < radius && lo > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:lo])
		lo -= size
	}
	hi := end
	for i := 0; i < radius && hi < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[hi:])
		hi += size
	}
	return text[lo:hi]
}

func overlaps(claimed []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func classifyRunes(s string) (hasDigit, hasLetter bool) {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case unicode.IsLetter(r):
			hasLetter = true
		}
	}
	return hasDigit, hasLetter
}
