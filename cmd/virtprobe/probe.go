package main

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/jbweber/virtcore/dispatch"
	"github.com/jbweber/virtcore/driver"
	"github.com/jbweber/virtcore/driver/fake"
	_ "github.com/jbweber/virtcore/driver/native"
	"github.com/jbweber/virtcore/driver/rpc"
	"github.com/jbweber/virtcore/hypervisor"
	"github.com/jbweber/virtcore/internal/config"
)

// probe is one connected session and the dispatcher that runs its calls.
type probe struct {
	sess    *hypervisor.Session
	disp    *dispatch.Dispatcher
	reg     *prometheus.Registry
	log     logr.Logger
	profile *config.Profile
}

func (a *app) openDriver(p *config.Profile) (driver.Driver, error) {
	switch p.Driver {
	case "rpc":
		return rpc.New(rpc.WithTimeout(p.Timeout), rpc.WithLogger(a.log.WithName("rpc"))), nil
	case "fake":
		return newDemoFake(), nil
	default:
		return driver.Open(p.Driver)
	}
}

// newDemoFake returns a fake daemon with one running and one defined domain.
func newDemoFake() *fake.Driver {
	f := fake.New()
	f.AddDomain(fake.Domain{
		Name:        "demo-running",
		State:       fake.StateRunning,
		Persistent:  true,
		Description: "<domain type='test'><name>demo-running</name></domain>",
		MaxMemoryKB: 1 << 20, MemoryKB: 1 << 20, VirtualCPUs: 2, CPUTimeNs: 42e9,
	})
	f.AddDomain(fake.Domain{
		Name:        "demo-defined",
		State:       fake.StateShutoff,
		Persistent:  true,
		Description: "<domain type='test'><name>demo-defined</name></domain>",
		MaxMemoryKB: 512 << 10, VirtualCPUs: 1,
	})
	return f
}

// connect opens a session for the resolved profile.
func (a *app) connect(ctx context.Context) (*probe, error) {
	p, file, err := a.profile()
	if err != nil {
		return nil, err
	}

	drv, err := a.openDriver(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open driver: %w", err)
	}

	workers := a.settings.GetInt("workers")
	queue := 0
	if file != nil {
		if workers == 0 {
			workers = file.Dispatch.Workers
		}
		queue = file.Dispatch.QueueSize
	}
	opts := []dispatch.Option{
		dispatch.WithWorkers(workers),
		dispatch.WithLogger(a.log.WithName("dispatch")),
	}
	if queue > 0 {
		opts = append(opts, dispatch.WithQueueSize(queue))
	}
	reg := prometheus.NewRegistry()
	if a.settings.GetBool("metrics") {
		opts = append(opts, dispatch.WithMetrics(reg))
	}
	disp, err := dispatch.New(opts...)
	if err != nil {
		return nil, err
	}

	log := a.log.WithValues("profile", p.Name, "uri", p.URI, "driver", p.Driver)
	sess, err := hypervisor.NewSession(p.SessionConfig(), drv,
		hypervisor.WithDispatcher(disp),
		hypervisor.WithLogger(log.WithName("session")),
	)
	if err != nil {
		_ = disp.Close()
		return nil, fmt.Errorf("invalid connection settings: %w", err)
	}

	log.V(1).Info("connecting")
	if err := sess.Connect(ctx); err != nil {
		_ = disp.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", p.URI, err)
	}
	return &probe{sess: sess, disp: disp, reg: reg, log: log, profile: p}, nil
}

// close disconnects and stops the dispatcher. Disconnect failures are only
// logged: the connection is gone either way.
func (pr *probe) close(ctx context.Context, w io.Writer, printMetrics bool) {
	if err := pr.sess.Disconnect(ctx); err != nil {
		pr.log.Error(err, "disconnect failed")
	}
	if err := pr.disp.Close(); err != nil {
		pr.log.Error(err, "dispatcher shutdown failed")
	}
	if printMetrics {
		if err := writeMetrics(w, pr.reg); err != nil {
			pr.log.Error(err, "failed to gather metrics")
		}
	}
}

// writeMetrics prints every gathered family in the Prometheus text format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
