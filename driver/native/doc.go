// Package native implements driver.Driver on the daemon's C client library
// through libvirt.org/go/libvirt.
//
// The backend needs cgo and the client library headers, so it is only built
// with the libvirt_native build tag:
//
//	go build -tags libvirt_native ./...
//
// Unlike the rpc backend it supports every transport the client library
// does (ssh, tls, libssh) as well as username and password authentication.
package native
