package registry

import (
	"errors"
	"testing"
	"time"
)

func TestLifecycle(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	r := New(10 * time.Minute)
	r.now = func() time.Time { return now }

	r.Register("run-1", "job-1")
	r.Register("run-2", "job-1")
	if e, ok := r.Get("run-1"); !ok || e.State != StateRunning {
		t.Fatalf("run-1 = %+v, %v", e, ok)
	}
	if got := len(r.Active("job-1")); got != 2 {
		t.Errorf("active = %d", got)
	}

	r.Finish("run-1", map[string]int{"processed": 3}, nil)
	r.Finish("run-2", nil, errors.New("boom"))
	if e, _ := r.Get("run-2"); e.State != StateError || e.Error != "boom" {
		t.Errorf("run-2 = %+v", e)
	}
	if got := len(r.Active("job-1")); got != 0 {
		t.Errorf("active after finish = %d", got)
	}

	now = now.Add(5 * time.Minute)
	if n := r.GC(); n != 0 {
		t.Errorf("GC before ttl removed %d", n)
	}

	r.Register("run-3", "job-2")
	now = now.Add(6 * time.Minute)
	if _, ok := r.Get("run-1"); ok {
		t.Error("expired entry still readable")
	}
	if n := r.GC(); n != 2 || r.Len() != 1 {
		t.Errorf("GC removed %d, %d left", n, r.Len())
	}
	if _, ok := r.Get("run-3"); !ok {
		t.Error("running entry collected")
	}
}

func TestSweepStops(t *testing.T) {
	r := New(time.Nanosecond)
	r.Finish("x", nil, nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.Sweep(time.Millisecond, stop)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for r.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweep never collected")
		case <-time.After(time.Millisecond):
		}
	}
	close(stop)
	<-done
}
