package hypervisor

import (
	"errors"
	"runtime"
	"sync"

	"github.com/jbweber/virtcore/driver"
	"github.com/jbweber/virtcore/internal/handle"
)

// Domain is the exclusive owner of one domain handle.
//
// A Domain must not be used after its Session is Closed. The handle is
// released exactly once: by Free, or when the Domain becomes unreachable.
type Domain struct {
	sess    *Session
	owned   *handle.Owned[driver.Dom]
	ref     handle.Ref[driver.Dom]
	cleanup runtime.Cleanup

	mu   sync.Mutex
	name string
	uuid string
}

func newDomain(s *Session, owned *handle.Owned[driver.Dom]) *Domain {
	d := &Domain{sess: s, owned: owned, ref: owned.Ref()}
	d.cleanup = runtime.AddCleanup(d, func(o *handle.Owned[driver.Dom]) {
		_ = o.Release()
	}, owned)
	return d
}

func call[T any](d *Domain, fn func(driver.Dom) (T, error)) (T, error) {
	var out T
	err := d.ref.Use(func(h driver.Dom) error {
		v, err := onThread(func() (T, error) { return fn(h) })
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Create starts a defined, inactive domain.
func (d *Domain) Create(flags CreateFlags) error {
	_, err := call(d, func(h driver.Dom) (int, error) {
		rc, err := d.sess.drv.DomainCreate(h, uint32(flags))
		return checkStatus("create", rc, err)
	})
	return err
}

// Shutdown asks the guest to shut down and returns without waiting.
func (d *Domain) Shutdown(flags ShutdownFlags) error {
	_, err := call(d, func(h driver.Dom) (int, error) {
		rc, err := d.sess.drv.DomainShutdown(h, uint32(flags))
		return checkStatus("shutdown", rc, err)
	})
	return err
}

// Save writes the running domain's state to path for a later RestoreSaved.
func (d *Domain) Save(path string, opts SaveOptions) error {
	if path == "" {
		return invalidArgument("save path is empty")
	}
	req := driver.SaveRequest{
		Path:        path,
		Description: opts.Description,
		Compression: opts.Compression,
		Flags:       uint32(opts.Flags),
	}
	_, err := call(d, func(h driver.Dom) (int, error) {
		rc, err := d.sess.drv.DomainSave(h, req)
		return checkStatus("save", rc, err)
	})
	return err
}

// Info returns a fresh snapshot of the domain.
func (d *Domain) Info() (DomainInfo, error) {
	return call(d, func(h driver.Dom) (DomainInfo, error) {
		v, err := d.sess.drv.DomainInfo(h)
		raw, err := checkErr("info", v, err)
		return domainInfoFrom(raw), err
	})
}

// ID returns the numeric id of the domain. ok is false for an inactive
// domain, which has none; that is not an error.
func (d *Domain) ID() (id uint32, ok bool, err error) {
	type result struct {
		id uint32
		ok bool
	}
	r, err := call(d, func(h driver.Dom) (result, error) {
		raw, rerr := d.sess.drv.DomainID(h)
		id, ok, err := checkID("id", raw, rerr)
		return result{id, ok}, err
	})
	if err != nil {
		return 0, false, err
	}
	return r.id, r.ok, nil
}

// Name returns the domain name.
func (d *Domain) Name() (string, error) {
	return d.cached(&d.name, func(h driver.Dom) (string, error) {
		v, err := d.sess.drv.DomainName(h)
		return checkErr("name", v, err)
	})
}

// UUIDString returns the domain UUID in canonical form.
func (d *Domain) UUIDString() (string, error) {
	return d.cached(&d.uuid, func(h driver.Dom) (string, error) {
		v, err := d.sess.drv.DomainUUIDString(h)
		return checkErr("uuidString", v, err)
	})
}

// cached fills an identity field on first use. Name and UUID never change
// for the lifetime of a domain.
func (d *Domain) cached(field *string, fetch func(driver.Dom) (string, error)) (string, error) {
	if d.owned.Released() {
		return "", ErrStaleHandle
	}
	d.mu.Lock()
	v := *field
	d.mu.Unlock()
	if v != "" {
		return v, nil
	}

	v, err := call(d, fetch)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	*field = v
	d.mu.Unlock()
	return v, nil
}

// XMLDescription returns the domain description. flags must be chosen
// explicitly; XMLSecure includes secrets and XMLInactive selects the
// persistent configuration.
func (d *Domain) XMLDescription(flags XMLFlags) (string, error) {
	return call(d, func(h driver.Dom) (string, error) {
		v, err := d.sess.drv.DomainXMLDesc(h, uint32(flags))
		return checkErr("xmlDescription", v, err)
	})
}

// Free releases the domain handle. Every later operation returns
// ErrStaleHandle and a second Free returns ErrDoubleRelease.
func (d *Domain) Free() error {
	err := d.owned.Release()
	if errors.Is(err, ErrDoubleRelease) {
		return err
	}
	d.cleanup.Stop()
	return err
}
