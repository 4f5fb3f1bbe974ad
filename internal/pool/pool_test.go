package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counterFactory() (Factory[int], *int64, *int64) {
	var created, destroyed int64
	f := Factory[int]{
		Create: func(ctx context.Context) (int, error) {
			n := atomic.AddInt64(&created, 1)
			return int(n), nil
		},
		Destroy: func(ctx context.Context, v int) error {
			atomic.AddInt64(&destroyed, 1)
			return nil
		},
	}
	return f, &created, &destroyed
}

func TestAcquireCreatesNewUnderLimit(t *testing.T) {
	factory, created, _ := counterFactory()
	p := New(factory, Config{MaxConnections: 2})
	defer p.Shutdown(context.Background())

	v, release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if v != 1 {
		t.Errorf("v = %d, want 1", v)
	}
	release()
	if atomic.LoadInt64(created) != 1 {
		t.Errorf("created = %d, want 1", *created)
	}
}

func TestAcquireReusesReleasedResource(t *testing.T) {
	factory, created, _ := counterFactory()
	p := New(factory, Config{MaxConnections: 1})
	defer p.Shutdown(context.Background())

	v1, release1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	release1()

	v2, release2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	defer release2()

	if v1 != v2 {
		t.Errorf("v1=%d v2=%d, want the same reused resource", v1, v2)
	}
	if atomic.LoadInt64(created) != 1 {
		t.Errorf("created = %d, want 1 (reused, not recreated)", *created)
	}
}

func TestAcquireReleaseIsIdempotent(t *testing.T) {
	factory, _, _ := counterFactory()
	p := New(factory, Config{MaxConnections: 1})
	defer p.Shutdown(context.Background())

	_, release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // must not panic or double-count

	m := p.Metrics()
	if m.ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d, want 0", m.ActiveConnections)
	}
}

func TestAcquireBlocksWhenAtCapacityThenServesWaiter(t *testing.T) {
	factory, _, _ := counterFactory()
	p := New(factory, Config{MaxConnections: 1, AcquireTimeout: time.Second})
	defer p.Shutdown(context.Background())

	_, release1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	resultCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		v, rel, err := p.Acquire(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
		rel()
	}()

	time.Sleep(20 * time.Millisecond) // let the second Acquire enqueue
	release1()

	select {
	case <-resultCh:
	case err := <-errCh:
		t.Fatalf("second Acquire failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never served")
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	factory, _, _ := counterFactory()
	p := New(factory, Config{MaxConnections: 1, AcquireTimeout: 20 * time.Millisecond})
	defer p.Shutdown(context.Background())

	_, _, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	_, _, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected timeout error for the second Acquire")
	}
	if want := "Connection acquire timeout"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %q, want it to contain %q", err.Error(), want)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	factory, _, _ := counterFactory()
	p := New(factory, Config{MaxConnections: 1, AcquireTimeout: time.Minute})
	defer p.Shutdown(context.Background())

	_, _, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := p.Acquire(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestAcquireSurfacesFactoryError(t *testing.T) {
	f := Factory[int]{Create: func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	}}
	p := New(f, Config{MaxConnections: 1})
	defer p.Shutdown(context.Background())

	_, _, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected an error from a failing factory")
	}

	m := p.Metrics()
	if m.ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d, want 0 after a failed create", m.ActiveConnections)
	}
}

func TestShutdownDestroysIdleAndRejectsWaiters(t *testing.T) {
	factory, _, destroyed := counterFactory()
	p := New(factory, Config{MaxConnections: 1})

	_, release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if atomic.LoadInt64(destroyed) != 1 {
		t.Errorf("destroyed = %d, want 1", *destroyed)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown should be a no-op, got %v", err)
	}

	// With the only resource held, Shutdown's drain gives up when ctx
	// expires and the queued waiter is then rejected.
	factory2, _, _ := counterFactory()
	p2 := New(factory2, Config{MaxConnections: 1, AcquireTimeout: time.Minute})
	if _, _, err := p2.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire on second pool: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, _, err := p2.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter enqueue
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = p2.Shutdown(ctx)

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("queued waiter got a nil error, want it rejected by Shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("queued waiter still blocked after Shutdown")
	}
}

func TestMetricsTracksPeakConnections(t *testing.T) {
	factory, _, _ := counterFactory()
	p := New(factory, Config{MaxConnections: 2})
	defer p.Shutdown(context.Background())

	var wg sync.WaitGroup
	releases := make(chan Release, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			releases <- release
		}()
	}
	wg.Wait()
	close(releases)
	for r := range releases {
		r()
	}

	m := p.Metrics()
	if m.PeakConnections != 2 {
		t.Errorf("PeakConnections = %d, want 2", m.PeakConnections)
	}
}
