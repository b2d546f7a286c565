// Package hypervisor is a resource-safe client core for a hypervisor
// management daemon.
//
// A Session owns one connection; a Domain owns one domain handle. Both
// release their handles exactly once and reject use after release:
//
//	drv, err := driver.Open("rpc")
//	if err != nil {
//	    return err
//	}
//	s, err := hypervisor.NewSession(hypervisor.Config{URI: "qemu:///system"}, drv)
//	if err != nil {
//	    return err
//	}
//	if err := s.Connect(ctx); err != nil {
//	    return err
//	}
//	defer s.Disconnect(ctx)
//
//	dom, err := s.LookupByName(ctx, "web")
//	if err != nil {
//	    return err
//	}
//	defer dom.Free()
//
// Connect, Disconnect, the lookups and RestoreSaved are the blocking
// operations. Each has an Async form that returns a dispatch.Future; the
// plain form waits for it. Cancelling the context only stops the wait; a
// driver call already running is never interrupted.
//
// Daemon failures are returned as *DriverError whose message is the daemon's
// own text. Local failures match one of the Err sentinels with errors.Is.
package hypervisor
