package output

import (
	"encoding/json"
	"fmt"
)

// JSONFormatter formats summaries as indented JSON.
type JSONFormatter struct{}

// FormatHost formats the host summary as JSON.
func (f *JSONFormatter) FormatHost(h HostSummary) (string, error) {
	return marshalJSON(h, "host")
}

// FormatDomain formats a single domain as JSON.
func (f *JSONFormatter) FormatDomain(d DomainSummary) (string, error) {
	return marshalJSON(d, "domain")
}

// FormatDomainList formats domains as a JSON array.
func (f *JSONFormatter) FormatDomainList(ds []DomainSummary) (string, error) {
	if len(ds) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(ds, "domains")
}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}
