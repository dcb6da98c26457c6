package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brokergate/internal/account"
	"brokergate/internal/config"
)

// fakeSession is a controllable Session for tests.
type fakeSession struct {
	mu        sync.Mutex
	failVerify bool
	verifies  int
}

func (f *fakeSession) Verify(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies++
	if f.failVerify {
		return errors.New("verification refused")
	}
	return nil
}

func (f *fakeSession) setFail(v bool) {
	f.mu.Lock()
	f.failVerify = v
	f.mu.Unlock()
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions map[string][]*fakeSession
	failFor  map[string]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		sessions: make(map[string][]*fakeSession),
		failFor:  make(map[string]bool),
	}
}

func (f *fakeFactory) new(acct account.Account) Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{failVerify: f.failFor[acct.ID]}
	f.sessions[acct.ID] = append(f.sessions[acct.ID], s)
	return s
}

func testRegistry(t *testing.T, entries ...config.AccountEntry) *account.Registry {
	t.Helper()
	reg, err := account.Load(entries, slog.Default())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func entry(id string, maxConns int) config.AccountEntry {
	return config.AccountEntry{
		ID:             id,
		APIKey:         "k-" + id,
		APISecret:      "s-" + id,
		MaxConnections: maxConns,
		Enabled:        true,
	}
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.VerifyBaseDelay = time.Millisecond
	cfg.ReverifyEvery = 3
	return cfg
}

func TestWarmupCreatesUsableSlots(t *testing.T) {
	// Two enabled accounts (5 + 3 slots) and one disabled account.
	disabled := entry("LIVEC", 4)
	disabled.Enabled = false

	reg := testRegistry(t, entry("LIVEA", 5), entry("LIVEB", 3), disabled)
	factory := newFakeFactory()

	p := New(quickConfig(), reg, factory.new, slog.Default())
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	total := 0
	for _, st := range p.Status() {
		if st.AccountID == "LIVEC" {
			t.Error("disabled account LIVEC should have no pool presence")
		}
		total += st.Usable()
	}
	if total != 8 {
		t.Errorf("usable slots = %d, want 8", total)
	}
}

func TestWarmupMarksFailedSlotsUnhealthy(t *testing.T) {
	reg := testRegistry(t, entry("LIVEA", 2), entry("LIVEB", 2))
	factory := newFakeFactory()
	factory.failFor["LIVEB"] = true

	cfg := quickConfig()
	cfg.VerifyMaxAttempts = 2

	p := New(cfg, reg, factory.new, slog.Default())
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	for _, st := range p.Status() {
		switch st.AccountID {
		case "LIVEA":
			if st.Idle != 2 {
				t.Errorf("LIVEA idle = %d, want 2", st.Idle)
			}
		case "LIVEB":
			if st.Unhealthy != 2 {
				t.Errorf("LIVEB unhealthy = %d, want 2", st.Unhealthy)
			}
			if st.Usable() != 0 {
				t.Errorf("LIVEB usable = %d, want 0", st.Usable())
			}
		}
	}

	// Failed slots were retried up to the attempt limit.
	for _, s := range factory.sessions["LIVEB"] {
		s.mu.Lock()
		v := s.verifies
		s.mu.Unlock()
		if v != 2 {
			t.Errorf("LIVEB session verifies = %d, want 2", v)
		}
	}
}

func TestWarmupFailsWithZeroUsableSlots(t *testing.T) {
	reg := testRegistry(t, entry("LIVEA", 2))
	factory := newFakeFactory()
	factory.failFor["LIVEA"] = true

	cfg := quickConfig()
	cfg.VerifyMaxAttempts = 1

	p := New(cfg, reg, factory.new, slog.Default())
	if err := p.Warmup(context.Background()); err == nil {
		t.Fatal("Warmup = nil, want error when nothing verifies")
	}
}

func TestAcquireUnknownAccount(t *testing.T) {
	reg := testRegistry(t, entry("LIVEA", 1))
	p := New(quickConfig(), reg, newFakeFactory().new, slog.Default())
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	_, err := p.Acquire(context.Background(), "LIVEC")
	if !errors.Is(err, ErrAccountUnavailable) {
		t.Errorf("err = %v, want ErrAccountUnavailable", err)
	}
}

func TestAcquireRelease(t *testing.T) {
	reg := testRegistry(t, entry("LIVEA", 2))
	p := New(quickConfig(), reg, newFakeFactory().new, slog.Default())
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	slot, err := p.Acquire(context.Background(), "LIVEA")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if slot.State() != StateInUse {
		t.Errorf("state = %v, want in_use", slot.State())
	}
	if p.InUse("LIVEA") != 1 {
		t.Errorf("InUse = %d, want 1", p.InUse("LIVEA"))
	}

	p.Release(slot)
	if slot.State() != StateIdle {
		t.Errorf("state after release = %v, want idle", slot.State())
	}
	if slot.UseCount() != 1 {
		t.Errorf("UseCount = %d, want 1", slot.UseCount())
	}
	if slot.LastUsedAt().IsZero() {
		t.Error("LastUsedAt not stamped on release")
	}
}

func TestAcquireBlocksUntilDeadline(t *testing.T) {
	reg := testRegistry(t, entry("LIVEA", 1))
	p := New(quickConfig(), reg, newFakeFactory().new, slog.Default())
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	slot, err := p.Acquire(context.Background(), "LIVEA")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Acquire(ctx, "LIVEA")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("err = %v, want ErrPoolExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Acquire returned after %v, expected it to block until the deadline", elapsed)
	}

	// A release unblocks a waiting acquire.
	done := make(chan *Slot, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := p.Acquire(ctx, "LIVEA")
		if err != nil {
			t.Errorf("blocked Acquire failed: %v", err)
		}
		done <- s
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(slot)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiting Acquire never unblocked after Release")
	}
}

func TestCapacityInvariantUnderLoad(t *testing.T) {
	const maxConns = 4
	reg := testRegistry(t, entry("LIVEA", maxConns), entry("LIVEB", 2))
	p := New(quickConfig(), reg, newFakeFactory().new, slog.Default())
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	var violations atomic.Int32
	stop := make(chan struct{})

	// Observer: the Idle+InUse count must never exceed MaxConnections.
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, st := range p.Status() {
				limit := maxConns
				if st.AccountID == "LIVEB" {
					limit = 2
				}
				if st.Usable() > limit {
					violations.Add(1)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "LIVEA"
			if i%2 == 0 {
				id = "LIVEB"
			}
			for j := 0; j < 50; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
				slot, err := p.Acquire(ctx, id)
				cancel()
				if err != nil {
					continue
				}
				p.Release(slot)
			}
		}(i)
	}
	wg.Wait()
	close(stop)

	if n := violations.Load(); n > 0 {
		t.Errorf("capacity invariant violated %d times", n)
	}
}

func TestNthReleaseDemotesUnhealthySlot(t *testing.T) {
	reg := testRegistry(t, entry("LIVEA", 1))
	factory := newFakeFactory()

	cfg := quickConfig()
	cfg.ReverifyEvery = 2

	p := New(cfg, reg, factory.new, slog.Default())
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	sess := factory.sessions["LIVEA"][0]

	// First release: no re-verification, slot back on the free-list.
	slot, err := p.Acquire(context.Background(), "LIVEA")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.Release(slot)

	// Second release trips the Nth-release re-verification, which fails.
	slot, err = p.Acquire(context.Background(), "LIVEA")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	sess.setFail(true)
	p.Release(slot)

	deadline := time.Now().Add(time.Second)
	for slot.State() != StateUnhealthy {
		if time.Now().After(deadline) {
			t.Fatalf("slot state = %v, want unhealthy after failed re-verification", slot.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if p.HasUsableSlots("LIVEA") {
		t.Error("demoted slot still counted as usable capacity")
	}
	if _, err := p.Acquire(context.Background(), "LIVEA"); !errors.Is(err, ErrAccountUnavailable) {
		t.Errorf("err = %v, want ErrAccountUnavailable once capacity is gone", err)
	}
}

func TestCloseRejectsAcquire(t *testing.T) {
	reg := testRegistry(t, entry("LIVEA", 1))
	p := New(quickConfig(), reg, newFakeFactory().new, slog.Default())
	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}

	p.Close()

	if _, err := p.Acquire(context.Background(), "LIVEA"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}

	for _, st := range p.Status() {
		if st.Closed == 0 {
			t.Errorf("account %s has no closed slots after Close", st.AccountID)
		}
	}
}
