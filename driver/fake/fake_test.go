package fake

import (
	"errors"
	"testing"
	"time"

	"github.com/jbweber/virtcore/driver"
)

const desc = "<domain type='test'><name>web</name></domain>"

func open(t *testing.T, f *Driver) driver.Conn {
	t.Helper()
	c, err := f.Open(driver.OpenRequest{URI: "test:///default"})
	if err != nil || c == 0 {
		t.Fatalf("Open() = %d, %v", c, err)
	}
	return c
}

func requireCode(t *testing.T, err error, code int32) {
	t.Helper()
	var le *driver.LastError
	if !errors.As(err, &le) {
		t.Fatalf("expected *driver.LastError, got %v", err)
	}
	if le.Code != code {
		t.Fatalf("expected code %d, got %d (%s)", code, le.Code, le.Message)
	}
}

func TestRegistered(t *testing.T) {
	drv, err := driver.Open("fake")
	if err != nil {
		t.Fatalf("driver.Open(fake) error = %v", err)
	}
	if _, ok := drv.(*Driver); !ok {
		t.Errorf("expected *fake.Driver, got %T", drv)
	}
}

func TestLifecycle(t *testing.T) {
	f := New()
	c := open(t, f)

	h, err := f.DefineXML(c, desc, 0)
	if err != nil {
		t.Fatalf("DefineXML() error = %v", err)
	}
	id, err := f.DomainID(h)
	if err != nil || id != driver.NoID {
		t.Fatalf("DomainID() of defined domain = %d, %v", id, err)
	}

	if _, err := f.DomainCreate(h, 0); err != nil {
		t.Fatalf("DomainCreate() error = %v", err)
	}
	if id, _ := f.DomainID(h); id == driver.NoID {
		t.Error("expected an id after start")
	}
	_, err = f.DomainCreate(h, 0)
	requireCode(t, err, driver.CodeOperationInv)

	got, err := f.DomainXMLDesc(h, 0)
	if err != nil || got != desc {
		t.Errorf("DomainXMLDesc() = %q, %v", got, err)
	}

	if _, err := f.DomainShutdown(h, 0); err != nil {
		t.Fatalf("DomainShutdown() error = %v", err)
	}
	if d, _ := f.Lookup("web"); d.State != StateShutoff || d.ID != 0 {
		t.Errorf("unexpected record after shutdown %+v", d)
	}

	if _, err := f.DomainFree(h); err != nil {
		t.Fatalf("DomainFree() error = %v", err)
	}
	_, err = f.DomainFree(h)
	requireCode(t, err, driver.CodeInvalidDomain)
	if f.DoubleFrees() != 1 || f.LiveDomainHandles() != 0 {
		t.Errorf("unexpected handle accounting: %s", f)
	}
}

func TestDefineErrors(t *testing.T) {
	f := New()
	c := open(t, f)

	tests := []struct {
		name string
		xml  string
	}{
		{"malformed", "<domain"},
		{"no name", "<domain type='test'/>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.DefineXML(c, tt.xml, 0)
			requireCode(t, err, driver.CodeInvalidArg)
		})
	}

	_, err := f.DefineXML(driver.Conn(99), desc, 0)
	requireCode(t, err, driver.CodeInvalidConn)
}

func TestSaveRestore(t *testing.T) {
	f := New()
	c := open(t, f)

	h, err := f.CreateXML(c, desc, 0)
	if err != nil {
		t.Fatalf("CreateXML() error = %v", err)
	}
	if _, err := f.DomainSave(h, driver.SaveRequest{Path: "/tmp/web.save"}); err != nil {
		t.Fatalf("DomainSave() error = %v", err)
	}
	if _, ok := f.Lookup("web"); ok {
		t.Error("transient domain should be gone after save")
	}

	_, err = f.Restore(c, "/tmp/missing.save", "", 0)
	requireCode(t, err, driver.CodeOperationFail)

	if _, err := f.Restore(c, "/tmp/web.save", "", 0); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	d, ok := f.Lookup("web")
	if !ok || d.State != StateRunning || d.Description != desc {
		t.Errorf("unexpected restored record %+v", d)
	}
}

func TestFailureInjection(t *testing.T) {
	f := New()
	c := open(t, f)

	f.Fail("Hostname", driver.Errorf(driver.CodeInternal, driver.FromRemote, "boom"))
	_, err := f.Hostname(c)
	requireCode(t, err, driver.CodeInternal)

	f.FailSilently("Hostname")
	if _, err := f.Hostname(c); err != nil {
		t.Errorf("silent failure should not carry an error, got %v", err)
	}

	f.Clear("Hostname")
	if got, err := f.Hostname(c); err != nil || got != "fake-host" {
		t.Errorf("Hostname() = %q, %v", got, err)
	}
	if f.Calls("Hostname") != 3 {
		t.Errorf("expected 3 Hostname calls, got %d", f.Calls("Hostname"))
	}
}

func TestListAllDomains(t *testing.T) {
	f := New()
	c := open(t, f)
	f.AddDomain(Domain{Name: "b"})
	f.AddDomain(Domain{Name: "a", State: StateRunning})

	f.NullHandleAt(1)
	l, err := f.ListAllDomains(c, 0)
	if err != nil {
		t.Fatalf("ListAllDomains() error = %v", err)
	}
	handles := l.Handles()
	if len(handles) != 2 || handles[0] == 0 || handles[1] != 0 {
		t.Fatalf("unexpected handles %v", handles)
	}
	if name, _ := f.DomainName(handles[0]); name != "a" {
		t.Errorf("expected sorted list, first is %q", name)
	}
	l.Free()
	if f.ListFrees() != 1 {
		t.Errorf("expected one list free, got %d", f.ListFrees())
	}

	l, _ = f.ListAllDomains(c, 0)
	for _, h := range l.Handles() {
		if h == 0 {
			t.Error("null handle should only be injected once")
		}
	}
}

func TestLookup(t *testing.T) {
	f := New()
	c := open(t, f)
	rec := f.AddDomain(Domain{Name: "web", State: StateRunning})

	if _, err := f.LookupByID(c, rec.ID); err != nil {
		t.Errorf("LookupByID() error = %v", err)
	}
	if _, err := f.LookupByUUID(c, rec.UUID); err != nil {
		t.Errorf("LookupByUUID() error = %v", err)
	}
	_, err := f.LookupByName(c, "missing")
	requireCode(t, err, driver.CodeNoDomain)
	_, err = f.LookupByID(c, 0)
	requireCode(t, err, driver.CodeNoDomain)
}

func TestDefineKeepsUUID(t *testing.T) {
	f := New()
	c := open(t, f)

	const id = "6f0c3a4e-2b1d-4c5e-9a8b-7c6d5e4f3a2b"
	h, err := f.DefineXML(c, "<domain type='test'><name>web</name><uuid>"+id+"</uuid></domain>", 0)
	if err != nil {
		t.Fatalf("DefineXML() error = %v", err)
	}
	if got, _ := f.DomainUUIDString(h); got != id {
		t.Errorf("DomainUUIDString() = %q, want %q", got, id)
	}

	_, err = f.DefineXML(c, "<domain type='test'><name>db</name><uuid>nope</uuid></domain>", 0)
	requireCode(t, err, driver.CodeInvalidArg)
}

func TestHoldOpen(t *testing.T) {
	f := New()
	release := f.HoldOpen()

	done := make(chan driver.Conn)
	go func() {
		c, _ := f.Open(driver.OpenRequest{URI: "test:///default"})
		done <- c
	}()

	select {
	case <-done:
		t.Fatal("Open returned while held")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	if c := <-done; c == 0 {
		t.Error("expected a connection after release")
	}
	release()
}
