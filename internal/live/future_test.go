package live

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReadinessResolveThenAwait(t *testing.T) {
	f := NewFutures()
	r := f.Add("s1")

	r.resolve(readyOutcome{ok: true})

	o, err := r.await(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !o.ok {
		t.Error("outcome not ok")
	}
}

func TestReadinessTimeout(t *testing.T) {
	f := NewFutures()
	r := f.Add("s1")

	_, err := r.await(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrInitTimeout) {
		t.Errorf("await error = %v, want ErrInitTimeout", err)
	}
}

func TestReadinessResolvesOnce(t *testing.T) {
	f := NewFutures()
	r := f.Add("s1")

	r.resolve(readyOutcome{ok: true})
	r.resolve(readyOutcome{ok: false})

	o, err := r.await(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !o.ok {
		t.Error("second resolve overwrote the first")
	}
}

func TestReadinessCanceled(t *testing.T) {
	f := NewFutures()
	r := f.Add("s1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.await(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("await error = %v, want context.Canceled", err)
	}
}

func TestFuturesAddRemove(t *testing.T) {
	f := NewFutures()
	f.Add("a")
	f.Add("b")
	if got := f.Pending(); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
	f.Remove("a")
	if got := f.Pending(); got != 1 {
		t.Errorf("Pending after remove = %d, want 1", got)
	}
}
