package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

// TableFormatter formats summaries as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatHost formats the host summary as field/value rows.
func (f *TableFormatter) FormatHost(h HostSummary) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "FIELD\tVALUE")
	}
	rows := [][2]string{
		{"Hostname", h.Hostname},
		{"URI", h.URI},
		{"Library version", h.LibraryVersion},
		{"CPU model", h.Model},
		{"CPUs", fmt.Sprintf("%d", h.CPUs)},
		{"CPU frequency", fmt.Sprintf("%d MHz", h.MHz)},
		{"Topology", fmt.Sprintf("%d node(s), %d socket(s), %d core(s), %d thread(s)", h.NumaNodes, h.Sockets, h.Cores, h.Threads)},
		{"Memory", formatMemory(h.MemoryKB)},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", r[0], r[1])
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatDomain formats a single domain as a table row.
func (f *TableFormatter) FormatDomain(d DomainSummary) (string, error) {
	return f.FormatDomainList([]DomainSummary{d})
}

// FormatDomainList formats a list of domains as a table.
func (f *TableFormatter) FormatDomainList(ds []DomainSummary) (string, error) {
	if len(ds) == 0 {
		return "No domains found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tVCPUs\tMEMORY\tCPU TIME")
	}

	for _, d := range ds {
		id := "-"
		if d.ID != nil {
			id = fmt.Sprintf("%d", *d.ID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			id, d.Name, d.State, d.VCPUs, formatMemory(d.MemoryKB), d.CPUTime)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatMemory formats a KiB count with the largest binary unit that keeps
// it whole or one decimal.
// Examples: "512 KiB", "256 MiB", "1.5 GiB"
func formatMemory(kb uint64) string {
	const (
		mib = 1024
		gib = 1024 * 1024
		tib = 1024 * 1024 * 1024
	)
	switch {
	case kb >= tib:
		return scaled(kb, tib, "TiB")
	case kb >= gib:
		return scaled(kb, gib, "GiB")
	case kb >= mib:
		return scaled(kb, mib, "MiB")
	default:
		return fmt.Sprintf("%d KiB", kb)
	}
}

func scaled(v, unit uint64, suffix string) string {
	if v%unit == 0 {
		return fmt.Sprintf("%d %s", v/unit, suffix)
	}
	return fmt.Sprintf("%.1f %s", float64(v)/float64(unit), suffix)
}
