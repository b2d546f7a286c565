package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return d
}

func TestSubmit_Success(t *testing.T) {
	d := newTestDispatcher(t)

	f := Submit(context.Background(), d, func() (int, error) {
		return 42, nil
	})

	v, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}

func TestSubmit_Error(t *testing.T) {
	d := newTestDispatcher(t)
	wantErr := errors.New("driver said no")

	f := Submit(context.Background(), d, func() (string, error) {
		return "", wantErr
	})

	_, err := f.Wait(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestSubmit_PanicResolvesWithError(t *testing.T) {
	d := newTestDispatcher(t)

	f := Submit(context.Background(), d, func() (int, error) {
		panic("kaboom")
	})

	_, err := f.Wait(context.Background())
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}

	// The worker survives the panic.
	v, err := Submit(context.Background(), d, func() (int, error) { return 1, nil }).Wait(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("expected worker to keep serving, got %d, %v", v, err)
	}
}

func TestSubmit_AfterClose(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ran := false
	f := Submit(context.Background(), d, func() (int, error) {
		ran = true
		return 0, nil
	})
	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if ran {
		t.Error("operation ran after Close")
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestClose_DrainsQueuedJobs(t *testing.T) {
	d, err := New(WithWorkers(1), WithQueueSize(8))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var completed atomic.Int32
	futures := make([]*Future[int], 0, 5)
	for i := 0; i < 5; i++ {
		futures = append(futures, Submit(context.Background(), d, func() (int, error) {
			time.Sleep(5 * time.Millisecond)
			completed.Add(1)
			return 0, nil
		}))
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if completed.Load() != 5 {
		t.Errorf("expected 5 completed jobs, got %d", completed.Load())
	}
	for i, f := range futures {
		if _, _, ok := f.Result(); !ok {
			t.Errorf("future %d still pending after Close", i)
		}
	}
}

func TestWait_CancelStopsWaitingOnly(t *testing.T) {
	d := newTestDispatcher(t, WithWorkers(1))

	release := make(chan struct{})
	var finished atomic.Bool
	f := Submit(context.Background(), d, func() (int, error) {
		<-release
		finished.Store(true)
		return 7, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	v, err := f.Wait(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("expected in-flight operation to complete with 7, got %d, %v", v, err)
	}
	if !finished.Load() {
		t.Error("operation did not run to completion")
	}
}

func TestSubmit_CancelledBeforeEnqueue(t *testing.T) {
	d := newTestDispatcher(t, WithWorkers(1), WithQueueSize(0))

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	Submit(context.Background(), d, func() (int, error) {
		close(started)
		<-block
		return 0, nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := atomic.Bool{}
	f := Submit(ctx, d, func() (int, error) {
		ran.Store(true)
		return 0, nil
	})
	if _, err := f.Wait(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if ran.Load() {
		t.Error("operation ran although submission was cancelled")
	}
}

func TestSubmit_AlreadyCancelledWithRoom(t *testing.T) {
	d := newTestDispatcher(t, WithWorkers(2), WithQueueSize(16))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		f := Submit(ctx, d, func() (int, error) {
			ran.Add(1)
			return 0, nil
		})
		if _, err := f.Wait(context.Background()); !errors.Is(err, context.Canceled) {
			t.Fatalf("submission %d: expected Canceled, got %v", i, err)
		}
	}
	if n := ran.Load(); n != 0 {
		t.Errorf("operation ran %d times after cancellation", n)
	}
}

func TestFuture_ResolvesOnce(t *testing.T) {
	f := newFuture[int]()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if f.resolve(v, nil) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one resolution, got %d", wins.Load())
	}
	first, _, ok := f.Result()
	if !ok {
		t.Fatal("future not resolved")
	}
	f.resolve(first+100, errors.New("late"))
	v, err, _ := f.Result()
	if v != first || err != nil {
		t.Errorf("late resolve changed the outcome: %d, %v", v, err)
	}
}

func TestResolvedAndFailed(t *testing.T) {
	v, err := Resolved("ok").Wait(context.Background())
	if v != "ok" || err != nil {
		t.Errorf("Resolved: got %q, %v", v, err)
	}

	wantErr := errors.New("rejected")
	_, err = Failed[string](wantErr).Wait(context.Background())
	if !errors.Is(err, wantErr) {
		t.Errorf("Failed: got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := newTestDispatcher(t, WithMetrics(reg))

	_, _ = Submit(context.Background(), d, func() (int, error) { return 0, nil }).Wait(context.Background())
	_, _ = Submit(context.Background(), d, func() (int, error) { return 0, errors.New("x") }).Wait(context.Background())

	if got := testutil.ToFloat64(d.metrics.submitted); got != 2 {
		t.Errorf("expected submitted 2, got %v", got)
	}
	if got := testutil.ToFloat64(d.metrics.failures); got != 1 {
		t.Errorf("expected failures 1, got %v", got)
	}
	if got := testutil.ToFloat64(d.metrics.inflight); got != 0 {
		t.Errorf("expected inflight 0, got %v", got)
	}

	if _, err := New(WithMetrics(reg)); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
