package core

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SamuelRCrider/pii-guard/utils"
)

func cfgOf(types ...PIIType) *DetectionConfig {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	c := ConfigFromTypes(names...)
	return &c
}

func TestDetectPIISingleTypes(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		cfg     *DetectionConfig
		want    PIIType
		count   int
		matches []string
	}{
		{"email", "Contact me at john.doe@example.com", cfgOf(TypeEmail), TypeEmail, 1, []string{"john.doe@example.com"}},
		{"two emails", "Email alice@test.com or bob@example.org", cfgOf(TypeEmail), TypeEmail, 2, []string{"alice@test.com", "bob@example.org"}},
		{"phone with parens", "Call me at (555) 123-4567", cfgOf(TypePhone), TypePhone, 1, []string{"(555) 123-4567"}},
		{"phone formats", "Numbers: 555-123-4567, (555) 987-6543, +1-555-111-2222", cfgOf(TypePhone), TypePhone, 3, nil},
		{"ssn dashes", "SSN: 123-45-6789", cfgOf(TypeSSN), TypeSSN, 1, []string{"123-45-6789"}},
		{"ssn spaces", "Social Security: 987 65 4321", cfgOf(TypeSSN), TypeSSN, 1, []string{"987 65 4321"}},
		{"credit card", "Card: 4532-1234-5678-9010", cfgOf(TypeCreditCard), TypeCreditCard, 1, []string{"4532-1234-5678-9010"}},
		{"passport with context", "My passport number is 123456789", cfgOf(TypePassport), TypePassport, 1, []string{"123456789"}},
		{"license with context", "Driver license: ABC123456", cfgOf(TypeDriversLicense), TypeDriversLicense, 1, []string{"ABC123456"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectPII(tt.text, tt.cfg)
			require.Len(t, got, 1)
			assert.Equal(t, string(tt.want), got[0].Type)
			assert.Equal(t, tt.count, got[0].Count)
			assert.Len(t, got[0].Matches, tt.count)
			if tt.matches != nil {
				assert.Equal(t, tt.matches, got[0].Matches)
			}
		})
	}
}

func TestDetectPIIEmptyInput(t *testing.T) {
	assert.Empty(t, DetectPII("", nil))
	assert.Empty(t, DetectPII("", cfgOf(TypeEmail)))
	assert.Empty(t, DetectPII("This is just normal text without any sensitive information", nil))
}

func TestDetectPIIDefaultConfig(t *testing.T) {
	got := DetectPII("Email: test@example.com", nil)
	require.Len(t, got, 1)
	assert.Equal(t, "email", got[0].Type)
}

func TestDetectPIIRespectsDisabledTypes(t *testing.T) {
	text := "Email: test@example.com, Phone: 555-123-4567"
	got := DetectPII(text, cfgOf(TypeEmail))
	require.Len(t, got, 1)
	assert.Equal(t, "email", got[0].Type)

	// nothing enabled means nothing found
	assert.Empty(t, DetectPII(text, &DetectionConfig{}))
}

func TestDetectPIIMultipleTypes(t *testing.T) {
	text := "Contact: test@example.com, 555-123-4567, SSN: 123-45-6789"
	got := DetectPII(text, cfgOf(TypeEmail, TypePhone, TypeSSN))

	types := utils.Types(got)
	assert.Contains(t, types, "email")
	assert.Contains(t, types, "phone")
	assert.Contains(t, types, "ssn")

	// strict SSN runs first, so the result starts with it
	assert.Equal(t, "ssn", got[0].Type)
}

func TestNineDigitDisambiguation(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		cfg        *DetectionConfig
		want       PIIType
		confidence int
	}{
		{"passport beats ssn", "passport and ssn on file: 123456789", nil, TypePassport, 10},
		{"ssn keyword", "social number 123456789", cfgOf(TypeSSN), TypeSSN, 9},
		{"license keyword", "driving permit 123456789", cfgOf(TypeSSN, TypeDriversLicense), TypeDriversLicense, 8},
		{"passport disabled falls to ssn keyword", "passport / security 123456789", cfgOf(TypeSSN), TypeSSN, 9},
		{"unlabelled defaults to ssn", "Reference 123456789", nil, TypeSSN, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DetectMatches(tt.text, tt.cfg)
			require.Len(t, m, 1)
			assert.Equal(t, string(tt.want), m[0].Type)
			assert.Equal(t, tt.confidence, m[0].Confidence)
			assert.Equal(t, "123456789", m[0].Text)
		})
	}
}

func TestNineDigitSkippedWithoutSSNFallback(t *testing.T) {
	assert.Empty(t, DetectPII("Order 123456789", cfgOf(TypePassport)))
}

func TestContextWindowLimitsKeywordReach(t *testing.T) {
	// keyword sits more than 30 characters before the number
	text := "passport " + strings.Repeat(".", 40) + " 123456789"
	m := DetectMatches(text, cfgOf(TypePassport, TypeSSN))
	require.Len(t, m, 1)
	assert.Equal(t, "ssn", m[0].Type)
	assert.Equal(t, ConfidenceLow, m[0].Confidence)
}

func TestAlphanumericIDs(t *testing.T) {
	cfg := cfgOf(TypeDriversLicense)

	m := DetectMatches("Member ID X1Y2Z3W4", cfg)
	require.Len(t, m, 1)
	assert.Equal(t, "X1Y2Z3W4", m[0].Text)
	assert.Equal(t, ConfidenceMedium, m[0].Confidence)

	m = DetectMatches("License no. 7654321", cfg)
	require.Len(t, m, 1)
	assert.Equal(t, ConfidenceHigh, m[0].Confidence)

	assert.Empty(t, DetectMatches("HELLO WORLD ACRONYMS EVERYWHERE", cfg), "all-letter tokens are rejected")
	assert.Empty(t, DetectMatches("Order 12345678 shipped", cfg), "bare digits need a keyword")
}

func TestMatchesNeverOverlap(t *testing.T) {
	texts := []string{
		"Call +1 (555) 123-4567 or card 4111 1111 1111 1111, ssn 123-45-6789, passport 987654321, id AB12CD34, mail a.b@c.io",
		"4532-1234-5678-9010 555.123.4567 123 45 6789 DL X9Y8Z7 license 123456789",
		"SSN 123-45-6789 123-45-6789 and again 123456789 with driver AB1234567890",
	}

	for _, text := range texts {
		matches := DetectMatches(text, nil)
		require.NotEmpty(t, matches)

		sorted := append([]utils.RawMatch(nil), matches...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
		for i := 1; i < len(sorted); i++ {
			assert.LessOrEqual(t, sorted[i-1].End, sorted[i].Start, "spans %q and %q overlap", sorted[i-1].Text, sorted[i].Text)
		}
		for _, m := range matches {
			assert.Equal(t, text[m.Start:m.End], m.Text)
		}

		for _, f := range Aggregate(matches) {
			assert.Equal(t, f.Count, len(f.Matches))
			assert.NotZero(t, f.Count)
		}
	}
}

func TestScanIsDeterministic(t *testing.T) {
	text := "mail me at x@y.com or call 555-123-4567, passport 123456789"
	first := DetectPII(text, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, DetectPII(text, nil))
	}
}

func TestAggregatePreservesOrder(t *testing.T) {
	matches := []utils.RawMatch{
		{Type: "ssn", Text: "a"},
		{Type: "email", Text: "b"},
		{Type: "ssn", Text: "c"},
	}
	got := Aggregate(matches)
	require.Len(t, got, 2)
	assert.Equal(t, utils.AggregatedFinding{Type: "ssn", Count: 2, Matches: []string{"a", "c"}}, got[0])
	assert.Equal(t, utils.AggregatedFinding{Type: "email", Count: 1, Matches: []string{"b"}}, got[1])
}

func TestValidatePhone(t *testing.T) {
	assert.True(t, ValidatePhone("555-123-4567"))
	assert.True(t, ValidatePhone("(555) 123-4567"))
	assert.True(t, ValidatePhone("+1-555-123-4567"))
	assert.False(t, ValidatePhone("555-1234"))
	assert.False(t, ValidatePhone("123"))
}

func TestValidateCreditCard(t *testing.T) {
	assert.True(t, ValidateCreditCard("4532-1234-5678-9010"))
	assert.True(t, ValidateCreditCard("4532 1234 5678 9010"))
	assert.True(t, ValidateCreditCard("4532123456789"))
	assert.False(t, ValidateCreditCard("123456789012"))
	assert.False(t, ValidateCreditCard("45321234567890101"))
}

func TestContextWindow(t *testing.T) {
	assert.Equal(t, "bcd", ContextWindow("abcdef", 2, 3, 1))
	assert.Equal(t, "abcdef", ContextWindow("abcdef", 2, 3, 30))

	text := "ééxéé"
	x := len("éé")
	assert.Equal(t, "éxé", ContextWindow(text, x, x+1, 1))
}

func TestConfigFromTypes(t *testing.T) {
	c := ConfigFromTypes("email", "ssn", "bogus")
	assert.True(t, c.Enabled(TypeEmail))
	assert.True(t, c.Enabled(TypeSSN))
	assert.False(t, c.Enabled(TypePhone))
	assert.False(t, c.Enabled(PIIType("bogus")))
}
