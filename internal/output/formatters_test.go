package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/virtcore/hypervisor"
)

func createTestDomain(name string, state hypervisor.DomainState, id uint32, active bool) DomainSummary {
	return NewDomainSummary(name, "4b5a1c5e-1c2d-4e6f-8a9b-0c1d2e3f4a5b", id, active, hypervisor.DomainInfo{
		State:       state,
		MaxMemoryKB: 2 * 1024 * 1024,
		MemoryKB:    1024 * 1024,
		VirtualCPUs: 2,
		CPUTime:     1500 * time.Millisecond,
	})
}

func createTestHost() HostSummary {
	return NewHostSummary("hv01.example.com", "qemu:///system",
		hypervisor.Version{Major: 11, Minor: 1, Release: 0},
		hypervisor.NodeInfo{Model: "x86_64", MemoryKB: 64 * 1024 * 1024, CPUs: 16, MHz: 2400, NumaNodes: 1, Sockets: 1, Cores: 8, Threads: 2})
}

func TestNewDomainSummary(t *testing.T) {
	running := createTestDomain("web", hypervisor.DomainRunning, 7, true)
	if running.ID == nil || *running.ID != 7 {
		t.Errorf("expected id 7, got %v", running.ID)
	}
	if running.State != "running" || running.CPUTime != "1.5s" {
		t.Errorf("unexpected summary %+v", running)
	}

	off := createTestDomain("db", hypervisor.DomainShutoff, 0, false)
	if off.ID != nil {
		t.Errorf("expected no id for inactive domain, got %d", *off.ID)
	}
}

func TestTableFormatter_FormatDomainList(t *testing.T) {
	ds := []DomainSummary{
		createTestDomain("web", hypervisor.DomainRunning, 7, true),
		createTestDomain("db", hypervisor.DomainShutoff, 0, false),
	}

	out, err := (&TableFormatter{}).FormatDomainList(ds)
	if err != nil {
		t.Fatalf("FormatDomainList() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Errorf("expected header row, got %q", lines[0])
	}
	for _, want := range []string{"7", "web", "running", "1 GiB", "1.5s"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
	if !strings.HasPrefix(lines[2], "-") || !strings.Contains(lines[2], "shutoff") {
		t.Errorf("unexpected inactive row %q", lines[2])
	}

	out, err = (&TableFormatter{NoHeaders: true}).FormatDomainList(ds)
	if err != nil {
		t.Fatalf("FormatDomainList() error = %v", err)
	}
	if strings.Contains(out, "NAME") {
		t.Errorf("expected no header:\n%s", out)
	}

	out, _ = (&TableFormatter{}).FormatDomainList(nil)
	if out != "No domains found\n" {
		t.Errorf("unexpected empty output %q", out)
	}
}

func TestTableFormatter_FormatHost(t *testing.T) {
	out, err := (&TableFormatter{}).FormatHost(createTestHost())
	if err != nil {
		t.Fatalf("FormatHost() error = %v", err)
	}
	for _, want := range []string{"hv01.example.com", "qemu:///system", "11.1.0", "2400 MHz", "64 GiB", "8 core(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestYAMLFormatter(t *testing.T) {
	f := &YAMLFormatter{}

	out, err := f.FormatDomain(createTestDomain("web", hypervisor.DomainRunning, 7, true))
	if err != nil {
		t.Fatalf("FormatDomain() error = %v", err)
	}
	var got DomainSummary
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if got.Name != "web" || got.ID == nil || *got.ID != 7 {
		t.Errorf("unexpected decoded domain %+v", got)
	}

	out, err = f.FormatDomainList([]DomainSummary{
		createTestDomain("a", hypervisor.DomainRunning, 1, true),
		createTestDomain("b", hypervisor.DomainPaused, 2, true),
	})
	if err != nil {
		t.Fatalf("FormatDomainList() error = %v", err)
	}
	if strings.Count(out, "---\n") != 1 {
		t.Errorf("expected one document separator:\n%s", out)
	}

	out, err = f.FormatHost(createTestHost())
	if err != nil {
		t.Fatalf("FormatHost() error = %v", err)
	}
	if !strings.Contains(out, "hostname: hv01.example.com") {
		t.Errorf("unexpected host YAML:\n%s", out)
	}
}

func TestJSONFormatter(t *testing.T) {
	f := &JSONFormatter{}

	out, err := f.FormatDomainList([]DomainSummary{
		createTestDomain("web", hypervisor.DomainRunning, 7, true),
		createTestDomain("db", hypervisor.DomainShutoff, 0, false),
	})
	if err != nil {
		t.Fatalf("FormatDomainList() error = %v", err)
	}
	var got []map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(got))
	}
	if _, ok := got[1]["id"]; ok {
		t.Error("expected id to be omitted for inactive domain")
	}

	out, _ = f.FormatDomainList(nil)
	if out != "[]\n" {
		t.Errorf("unexpected empty output %q", out)
	}

	out, err = f.FormatHost(createTestHost())
	if err != nil {
		t.Fatalf("FormatHost() error = %v", err)
	}
	if !strings.Contains(out, `"libraryVersion": "11.1.0"`) {
		t.Errorf("unexpected host JSON:\n%s", out)
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  Format
		wantErr bool
	}{
		{FormatTable, false},
		{FormatYAML, false},
		{FormatJSON, false},
		{Format("xml"), true},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f, err := NewFormatter(Options{Format: tt.format})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && f == nil {
				t.Error("expected formatter")
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	for _, ok := range []string{"table", "yaml", "json"} {
		if err := ValidateFormat(ok); err != nil {
			t.Errorf("ValidateFormat(%q) = %v", ok, err)
		}
	}
	if err := ValidateFormat("TABLE"); err == nil {
		t.Error("expected error for upper-case format")
	}
}

func TestFormatMemory(t *testing.T) {
	tests := []struct {
		kb   uint64
		want string
	}{
		{512, "512 KiB"},
		{1024, "1 MiB"},
		{256 * 1024, "256 MiB"},
		{1536 * 1024, "1.5 GiB"},
		{4 * 1024 * 1024, "4 GiB"},
		{2 * 1024 * 1024 * 1024, "2 TiB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatMemory(tt.kb); got != tt.want {
				t.Errorf("formatMemory(%d) = %q, want %q", tt.kb, got, tt.want)
			}
		})
	}
}
