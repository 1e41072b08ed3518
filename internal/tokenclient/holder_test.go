package tokenclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return Tokens{}, f.err
	}
	return Tokens{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
	}, nil
}

func TestHolder_ConcurrentRefreshHappensOnce(t *testing.T) {
	f := &fakeRefresher{release: make(chan struct{})}
	h := NewHolder(f, Tokens{AccessToken: "access-0", RefreshToken: "refresh-0"}, zerolog.Nop())

	const callers = 10
	var wg sync.WaitGroup
	results := make([]Tokens, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.Refresh(context.Background(), "access-0")
		}(i)
	}

	// Let every caller reach the shared refresh before it completes.
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected 1 refresh, got %d", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "access-1" {
			t.Errorf("caller %d got %q", i, results[i].AccessToken)
		}
	}
	if h.AccessToken() != "access-1" {
		t.Errorf("holder not updated: %q", h.AccessToken())
	}
}

func TestHolder_StaleCallerReusesNewerPair(t *testing.T) {
	f := &fakeRefresher{}
	h := NewHolder(f, Tokens{AccessToken: "access-0", RefreshToken: "refresh-0"}, zerolog.Nop())

	if _, err := h.Refresh(context.Background(), "access-0"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// A late 401 for the old token must not spend the new refresh token.
	got, err := h.Refresh(context.Background(), "access-0")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.AccessToken != "access-1" || f.calls.Load() != 1 {
		t.Errorf("expected reuse of access-1 without a call, got %q after %d calls", got.AccessToken, f.calls.Load())
	}
}

func TestHolder_Errors(t *testing.T) {
	t.Run("should fail without refresh token", func(t *testing.T) {
		h := NewHolder(&fakeRefresher{}, Tokens{AccessToken: "a"}, zerolog.Nop())
		if _, err := h.Refresh(context.Background(), "a"); !errors.Is(err, ErrNoRefreshToken) {
			t.Errorf("expected ErrNoRefreshToken, got %v", err)
		}
	})

	t.Run("should keep pair on refresh failure", func(t *testing.T) {
		boom := errors.New("boom")
		h := NewHolder(&fakeRefresher{err: boom}, Tokens{AccessToken: "a", RefreshToken: "r"}, zerolog.Nop())
		if _, err := h.Refresh(context.Background(), "a"); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
		if h.Tokens().RefreshToken != "r" {
			t.Error("pair must survive a failed refresh")
		}
	})

	t.Run("should honour caller cancellation", func(t *testing.T) {
		f := &fakeRefresher{release: make(chan struct{})}
		defer close(f.release)
		h := NewHolder(f, Tokens{AccessToken: "a", RefreshToken: "r"}, zerolog.Nop())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if _, err := h.Refresh(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}
