package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int32
	fetchFn func(ctx context.Context) (Token, error)
}

func (f *fakeSource) Fetch(ctx context.Context) (Token, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fetchFn(ctx)
}

func TestProviderFetchesOnFirstUse(t *testing.T) {
	src := &fakeSource{fetchFn: func(ctx context.Context) (Token, error) {
		return Token{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	p := NewProvider(src, time.Minute)

	tok, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.calls))
}

func TestProviderReusesUnexpiredToken(t *testing.T) {
	src := &fakeSource{fetchFn: func(ctx context.Context) (Token, error) {
		return Token{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	p := NewProvider(src, time.Minute)

	_, err := p.Current(context.Background())
	require.NoError(t, err)
	_, err = p.Current(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&src.calls), "a token well inside its safety margin must not trigger a refetch")
}

func TestProviderRefreshesWithinSafetyMargin(t *testing.T) {
	var call int32
	src := &fakeSource{fetchFn: func(ctx context.Context) (Token, error) {
		n := atomic.AddInt32(&call, 1)
		if n == 1 {
			return Token{Value: "tok-1", ExpiresAt: time.Now().Add(30 * time.Second)}, nil
		}
		return Token{Value: "tok-2", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	p := NewProvider(src, time.Minute)

	tok, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)

	tok, err = p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.Value, "a token inside the safety margin must trigger a refresh")
}

func TestProviderNeverReturnsStaleTokenAfterFailedRefresh(t *testing.T) {
	var call int32
	boom := errors.New("downstream unavailable")
	src := &fakeSource{fetchFn: func(ctx context.Context) (Token, error) {
		n := atomic.AddInt32(&call, 1)
		if n == 1 {
			return Token{Value: "tok-1", ExpiresAt: time.Now().Add(10 * time.Millisecond)}, nil
		}
		return Token{}, boom
	}}
	p := NewProvider(src, time.Hour)

	_, err := p.Current(context.Background())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = p.Current(context.Background())
	require.Error(t, err)
}

func TestProviderDedupsConcurrentRefreshes(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{fetchFn: func(ctx context.Context) (Token, error) {
		<-release
		return Token{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	p := NewProvider(src, time.Minute)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := p.Current(context.Background())
			assert.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&src.calls), "concurrent refreshes must collapse into a single fetch")
}

func TestForceRefreshIgnoresCachedToken(t *testing.T) {
	var call int32
	src := &fakeSource{fetchFn: func(ctx context.Context) (Token, error) {
		n := atomic.AddInt32(&call, 1)
		return Token{Value: "tok", ExpiresAt: time.Now().Add(time.Duration(n) * time.Hour)}, nil
	}}
	p := NewProvider(src, time.Minute)

	_, err := p.Current(context.Background())
	require.NoError(t, err)

	tok, err := p.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&src.calls))
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), tok.ExpiresAt, time.Minute)
}
