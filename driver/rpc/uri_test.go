package rpc

import (
	"errors"
	"testing"

	"github.com/jbweber/virtcore/driver"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		readOnly bool
		want     Target
	}{
		{
			name: "local system",
			uri:  "qemu:///system",
			want: Target{Transport: "unix", Socket: DefaultSocket, DaemonURI: "qemu:///system"},
		},
		{
			name:     "local read-only",
			uri:      "qemu:///system",
			readOnly: true,
			want:     Target{Transport: "unix", Socket: DefaultReadOnlySocket, DaemonURI: "qemu:///system"},
		},
		{
			name: "explicit unix with socket override",
			uri:  "qemu+unix:///system?socket=/run/user/1000/libvirt/libvirt-sock",
			want: Target{Transport: "unix", Socket: "/run/user/1000/libvirt/libvirt-sock", DaemonURI: "qemu:///system"},
		},
		{
			name:     "socket override wins over read-only",
			uri:      "qemu:///system?socket=/tmp/sock",
			readOnly: true,
			want:     Target{Transport: "unix", Socket: "/tmp/sock", DaemonURI: "qemu:///system"},
		},
		{
			name: "test driver",
			uri:  "test:///default",
			want: Target{Transport: "unix", Socket: DefaultSocket, DaemonURI: "test:///default"},
		},
		{
			name: "tcp default port",
			uri:  "qemu+tcp://hv01.example.com/system",
			want: Target{Transport: "tcp", Host: "hv01.example.com", Port: DefaultPort, DaemonURI: "qemu:///system"},
		},
		{
			name: "tcp explicit port",
			uri:  "qemu+tcp://10.0.0.5:16510/system",
			want: Target{Transport: "tcp", Host: "10.0.0.5", Port: "16510", DaemonURI: "qemu:///system"},
		},
		{
			name: "ssh with key",
			uri:  "qemu+ssh://root@hv01:2222/system?keyfile=/root/.ssh/id_ed25519&known_hosts=/tmp/kh",
			want: Target{
				Transport: "ssh", Socket: DefaultSocket, Host: "hv01", Port: "2222", DaemonURI: "qemu:///system",
				User: "root", KeyFile: "/root/.ssh/id_ed25519", KnownHosts: "/tmp/kh",
			},
		},
		{
			name:     "ssh read-only without verification",
			uri:      "qemu+ssh://hv01/system?no_verify=1",
			readOnly: true,
			want: Target{
				Transport: "ssh", Socket: DefaultReadOnlySocket, Host: "hv01", Port: DefaultSSHPort,
				DaemonURI: "qemu:///system", NoVerify: true,
			},
		},
		{
			name: "empty path",
			uri:  "qemu+tcp://hv01",
			want: Target{Transport: "tcp", Host: "hv01", Port: DefaultPort, DaemonURI: "qemu:///"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURI(tt.uri, tt.readOnly)
			if err != nil {
				t.Fatalf("ParseURI(%q) failed: %v", tt.uri, err)
			}
			if got != tt.want {
				t.Errorf("ParseURI(%q):\nwant %+v\ngot  %+v", tt.uri, tt.want, got)
			}
		})
	}
}

func TestParseURI_Errors(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		readOnly bool
		code     int32
	}{
		{name: "no scheme", uri: "/var/run/libvirt/libvirt-sock", code: driver.CodeInvalidArg},
		{name: "libssh transport", uri: "qemu+libssh://root@hv01/system", code: driver.CodeNoSupport},
		{name: "ssh without host", uri: "qemu+ssh:///system", code: driver.CodeInvalidArg},
		{name: "tls by default for remote host", uri: "qemu://hv01/system", code: driver.CodeNoSupport},
		{name: "tcp read-only", uri: "qemu+tcp://hv01/system", readOnly: true, code: driver.CodeNoSupport},
		{name: "tcp without host", uri: "qemu+tcp:///system", code: driver.CodeInvalidArg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseURI(tt.uri, tt.readOnly)
			var le *driver.LastError
			if !errors.As(err, &le) {
				t.Fatalf("expected *driver.LastError, got %v", err)
			}
			if le.Code != tt.code {
				t.Errorf("expected code %d, got %d (%s)", tt.code, le.Code, le.Message)
			}
		})
	}
}

func TestTargetAddress(t *testing.T) {
	if got := (Target{Transport: "tcp", Host: "::1", Port: "16509"}).Address(); got != "[::1]:16509" {
		t.Errorf("expected [::1]:16509, got %s", got)
	}
	if got := (Target{Transport: "unix", Socket: "/tmp/sock"}).Address(); got != "/tmp/sock" {
		t.Errorf("expected /tmp/sock, got %s", got)
	}
}
