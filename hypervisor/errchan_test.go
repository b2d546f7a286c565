package hypervisor

import (
	"errors"
	"testing"

	"github.com/jbweber/virtcore/driver"
)

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name     string
		rc       int
		err      error
		wantErr  bool
		wantCode int32
		wantMsg  string
	}{
		{name: "success", rc: 0},
		{name: "success ignores stale error", rc: 0, err: driver.Errorf(driver.CodeInternal, driver.FromNone, "stale")},
		{name: "failure with last error", rc: -1, err: driver.Errorf(driver.CodeOperationFail, driver.FromDomain, "operation failed"), wantErr: true, wantCode: driver.CodeOperationFail, wantMsg: "operation failed"},
		{name: "failure without last error", rc: -1, wantErr: true, wantCode: CodeUnknown, wantMsg: unknownErrorMessage},
		{name: "failure with unset record", rc: -1, err: &driver.LastError{}, wantErr: true, wantCode: CodeUnknown, wantMsg: unknownErrorMessage},
		{name: "failure with foreign error", rc: -1, err: errors.New("broken pipe"), wantErr: true, wantCode: CodeUnknown, wantMsg: "broken pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := checkStatus("op", tt.rc, tt.err)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var de *DriverError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DriverError, got %v", err)
			}
			if de.Code != tt.wantCode || de.Message != tt.wantMsg || de.Op != "op" {
				t.Errorf("got %+v", de)
			}
		})
	}
}

func TestCheckHandle(t *testing.T) {
	h, err := checkHandle("lookup", driver.Dom(7), nil)
	if err != nil || h != 7 {
		t.Errorf("expected handle 7, got %d, %v", h, err)
	}

	_, err = checkHandle("lookup", driver.Dom(0), driver.Errorf(driver.CodeNoDomain, driver.FromDomain, "Domain not found"))
	var de *DriverError
	if !errors.As(err, &de) || de.Code != driver.CodeNoDomain || de.Domain != driver.FromDomain {
		t.Errorf("expected not-found DriverError, got %v", err)
	}
}

func TestCheckID(t *testing.T) {
	tests := []struct {
		name    string
		id      uint32
		err     error
		wantID  uint32
		wantOK  bool
		wantErr bool
	}{
		{name: "active", id: 12, wantID: 12, wantOK: true},
		{name: "inactive", id: driver.NoID},
		{name: "inactive with unset record", id: driver.NoID, err: &driver.LastError{}},
		{name: "sentinel with error", id: driver.NoID, err: driver.Errorf(driver.CodeInvalidDomain, driver.FromDomain, "invalid domain"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok, err := checkID("id", tt.id, tt.err)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.wantID, tt.wantOK, id, ok)
			}
		})
	}
}

func TestTypesString(t *testing.T) {
	if Connected.String() != "connected" || State(9).String() != "state(9)" {
		t.Errorf("unexpected State strings")
	}
	if DomainPMSuspended.String() != "pmsuspended" || DomainState(42).String() != "unknown(42)" {
		t.Errorf("unexpected DomainState strings")
	}
	if v := versionFrom(9005012); v.String() != "9.5.12" {
		t.Errorf("expected 9.5.12, got %s", v)
	}
}
