package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter formats summaries as YAML.
type YAMLFormatter struct{}

// FormatHost formats the host summary as YAML.
func (f *YAMLFormatter) FormatHost(h HostSummary) (string, error) {
	data, err := yaml.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal host to YAML: %w", err)
	}
	return string(data), nil
}

// FormatDomain formats a single domain as YAML.
func (f *YAMLFormatter) FormatDomain(d DomainSummary) (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain %s to YAML: %w", d.Name, err)
	}
	return string(data), nil
}

// FormatDomainList formats domains as a YAML stream, one document per
// domain.
func (f *YAMLFormatter) FormatDomainList(ds []DomainSummary) (string, error) {
	var buf bytes.Buffer
	for i, d := range ds {
		data, err := yaml.Marshal(d)
		if err != nil {
			return "", fmt.Errorf("failed to marshal domain %s to YAML: %w", d.Name, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
