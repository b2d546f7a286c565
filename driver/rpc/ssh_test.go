package rpc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSSHClientConfig(t *testing.T) {
	s := &sshDialer{
		target:  Target{Transport: "ssh", Host: "hv01", Port: "22", User: "root", Password: "secret", NoVerify: true},
		timeout: 3 * time.Second,
	}
	cfg, err := s.clientConfig()
	if err != nil {
		t.Fatalf("clientConfig failed: %v", err)
	}
	if cfg.User != "root" {
		t.Errorf("expected user root, got %q", cfg.User)
	}
	if len(cfg.Auth) != 1 {
		t.Errorf("expected 1 auth method, got %d", len(cfg.Auth))
	}
	if cfg.Timeout != 3*time.Second {
		t.Errorf("expected timeout 3s, got %v", cfg.Timeout)
	}
	if cfg.HostKeyCallback == nil {
		t.Error("expected host key callback")
	}
}

func TestSSHClientConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	badKey := filepath.Join(dir, "id_bad")
	if err := os.WriteFile(badKey, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		target  Target
		wantErr string
	}{
		{
			name:    "no auth method",
			target:  Target{User: "root", NoVerify: true},
			wantErr: "no ssh authentication method",
		},
		{
			name:    "missing key file",
			target:  Target{User: "root", KeyFile: filepath.Join(dir, "missing"), NoVerify: true},
			wantErr: "unable to read private key",
		},
		{
			name:    "malformed key",
			target:  Target{User: "root", KeyFile: badKey, NoVerify: true},
			wantErr: "unable to parse private key",
		},
		{
			name:    "missing known_hosts",
			target:  Target{User: "root", Password: "secret", KnownHosts: filepath.Join(dir, "known_hosts")},
			wantErr: "unable to load known_hosts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&sshDialer{target: tt.target}).clientConfig()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q in error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSSHKnownHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s := &sshDialer{target: Target{User: "root", Password: "secret", KnownHosts: path}}
	if _, err := s.clientConfig(); err != nil {
		t.Fatalf("clientConfig failed: %v", err)
	}
}
