package rpc

import (
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"

	"github.com/jbweber/virtcore/driver"
)

type failingDialer struct {
	dials int
}

func (f *failingDialer) Dial() (net.Conn, error) {
	f.dials++
	return nil, errors.New("dial unix: connect: no such file or directory")
}

func requireLastError(t *testing.T, err error, code int32) *driver.LastError {
	t.Helper()
	var le *driver.LastError
	if !errors.As(err, &le) {
		t.Fatalf("expected *driver.LastError, got %T: %v", err, err)
	}
	if le.Code != code {
		t.Errorf("expected code %d, got %d (%s)", code, le.Code, le.Message)
	}
	return le
}

func TestOpen_RejectsCredentials(t *testing.T) {
	dialer := &failingDialer{}
	d := New(WithDialer(func(Target, time.Duration) socket.Dialer { return dialer }))

	c, err := d.Open(driver.OpenRequest{URI: "qemu:///system", Username: "admin", Password: "secret"})
	if c != 0 {
		t.Errorf("expected null connection, got %d", c)
	}
	requireLastError(t, err, driver.CodeAuthFailed)
	if dialer.dials != 0 {
		t.Errorf("expected no dial, got %d", dialer.dials)
	}
}

func TestOpen_DialFailure(t *testing.T) {
	var got Target
	d := New(WithDialer(func(tgt Target, _ time.Duration) socket.Dialer {
		got = tgt
		return &failingDialer{}
	}))

	c, err := d.Open(driver.OpenRequest{URI: "qemu:///system?socket=/nonexistent/socket"})
	if c != 0 {
		t.Errorf("expected null connection, got %d", c)
	}
	le := requireLastError(t, err, driver.CodeNoConnect)
	if !strings.HasPrefix(le.Message, "Failed to connect socket to '/nonexistent/socket'") {
		t.Errorf("unexpected message %q", le.Message)
	}
	if got.Socket != "/nonexistent/socket" {
		t.Errorf("expected dialer for /nonexistent/socket, got %+v", got)
	}
}

func TestOpen_BadURI(t *testing.T) {
	d := New()
	_, err := d.Open(driver.OpenRequest{URI: "qemu+libssh://hv01/system"})
	requireLastError(t, err, driver.CodeNoSupport)
}

func TestOpen_SSHCredentials(t *testing.T) {
	var got Target
	d := New(WithDialer(func(tgt Target, _ time.Duration) socket.Dialer {
		got = tgt
		return &failingDialer{}
	}))

	_, err := d.Open(driver.OpenRequest{URI: "qemu+ssh://root@hv01/system", Username: "ops", Password: "secret"})
	requireLastError(t, err, driver.CodeNoConnect)
	if got.Transport != "ssh" || got.User != "ops" || got.Password != "secret" {
		t.Errorf("credentials not passed to the ssh dialer: %+v", got)
	}
}

func TestUnknownHandles(t *testing.T) {
	d := New()

	if rc, err := d.Close(42); rc >= 0 {
		t.Errorf("expected negative status closing unknown connection")
	} else {
		requireLastError(t, err, driver.CodeInvalidConn)
	}
	if _, err := d.Hostname(42); err == nil {
		t.Error("expected error for unknown connection")
	}
	if rc, err := d.DomainFree(7); rc >= 0 {
		t.Errorf("expected negative status freeing unknown domain")
	} else {
		requireLastError(t, err, driver.CodeInvalidDomain)
	}
	if id, err := d.DomainID(7); id != driver.NoID || err == nil {
		t.Errorf("expected NoID with error, got %d, %v", id, err)
	}
}

// TestDomainHandles tests that domains of a closed connection fail every
// call but can still be freed.
func TestDomainHandles(t *testing.T) {
	d := New()
	h := d.track(1, libvirt.Domain{Name: "web", ID: -1})

	if _, err := d.DomainName(h); err == nil {
		t.Error("expected error for domain of a closed connection")
	} else {
		requireLastError(t, err, driver.CodeInvalidConn)
	}
	if rc, err := d.DomainFree(h); rc != 0 || err != nil {
		t.Fatalf("DomainFree failed: %d, %v", rc, err)
	}
	if _, err := d.DomainFree(h); err == nil {
		t.Error("expected error freeing twice")
	}
}

func TestLastError(t *testing.T) {
	le := lastError(libvirt.Error{Code: uint32(driver.CodeNoDomain), Message: "Domain not found: no domain with matching name 'web'"})
	if le.Code != driver.CodeNoDomain || le.Domain != driver.FromRemote {
		t.Errorf("unexpected translation %+v", le)
	}
	if le.Message != "Domain not found: no domain with matching name 'web'" {
		t.Errorf("message not preserved: %q", le.Message)
	}

	le = lastError(errors.New("broken pipe"))
	if le.Code != driver.CodeInternal || le.Domain != driver.FromRPC || le.Message != "broken pipe" {
		t.Errorf("unexpected transport translation %+v", le)
	}
}

func TestSaveParams(t *testing.T) {
	params := saveParams(driver.SaveRequest{Path: "/var/lib/save/web.img", Compression: "zstd"})
	if len(params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(params))
	}
	if params[0].Field != saveParamFile || params[0].Value.I != "/var/lib/save/web.img" {
		t.Errorf("unexpected file param %+v", params[0])
	}
	if params[1].Field != saveParamImageFormat || params[1].Value.I != "zstd" {
		t.Errorf("unexpected format param %+v", params[1])
	}

	params = saveParams(driver.SaveRequest{Path: "/p", Description: "<domain/>", Compression: "gzip"})
	if len(params) != 3 || params[1].Field != saveParamDXML {
		t.Errorf("expected dxml param, got %+v", params)
	}
}

func TestOptString(t *testing.T) {
	if got := optString(""); got != nil {
		t.Errorf("expected empty description to be sent as none, got %v", got)
	}
	got := optString("<domain/>")
	if len(got) != 1 || got[0] != "<domain/>" {
		t.Errorf("unexpected optional string %v", got)
	}
}

func TestCString(t *testing.T) {
	var model [32]int8
	for i, c := range "x86_64" {
		model[i] = int8(c)
	}
	if got := cString(model[:]); got != "x86_64" {
		t.Errorf("expected x86_64, got %q", got)
	}
}

// TestIntegration_LocalDaemon talks to a real daemon on the default socket.
func TestIntegration_LocalDaemon(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if _, err := os.Stat(DefaultSocket); err != nil {
		t.Skipf("libvirt not available: %v", err)
	}

	d := New()
	c, err := d.Open(driver.OpenRequest{URI: "qemu:///system"})
	if err != nil {
		t.Skipf("libvirt not available: %v", err)
	}
	defer func() {
		if _, err := d.Close(c); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	v, err := d.LibraryVersion(c)
	if err != nil {
		t.Fatalf("LibraryVersion failed: %v", err)
	}
	if v == 0 {
		t.Fatal("got version 0, expected non-zero")
	}

	list, err := d.ListAllDomains(c, 0)
	if err != nil {
		t.Fatalf("ListAllDomains failed: %v", err)
	}
	defer list.Free()
	for _, h := range list.Handles() {
		if _, err := d.DomainName(h); err != nil {
			t.Errorf("DomainName failed: %v", err)
		}
		if _, err := d.DomainFree(h); err != nil {
			t.Errorf("DomainFree failed: %v", err)
		}
	}
}
