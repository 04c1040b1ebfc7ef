package utils

// RawMatch is a single detected span inside the scanned text.
// It only lives for the duration of one scan call.
type RawMatch struct {
	// Match location information (byte offsets, End exclusive)
	Start int
	End   int
	Text  string

	// PII type identifier, e.g. "email" or "ssn"
	Type string

	// Confidence score assigned by the detection pass (1-10)
	Confidence int
}

// AggregatedFinding groups every match of one PII type found in a scan.
// Count always equals len(Matches).
type AggregatedFinding struct {
	Type    string   `json:"type" yaml:"type"`
	Count   int      `json:"count" yaml:"count"`
	Matches []string `json:"matches" yaml:"matches"`
}

// TotalCount sums the match counts of a finding set.
func TotalCount(findings []AggregatedFinding) int {
	total := 0
	for _, f := range findings {
		total += f.Count
	}
	return total
}

// Types returns the PII types of a finding set in result order.
func Types(findings []AggregatedFinding) []string {
	types := make([]string, 0, len(findings))
	for _, f := range findings {
		types = append(types, f.Type)
	}
	return types
}
