package domain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wxpay/core/certificate/domain"
	"wxpay/core/payerr"
	"wxpay/internal/paytest"
	"wxpay/modules/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls atomic.Int64
	gate  chan struct{}

	mu    sync.Mutex
	certs []domain.PlatformCertificate
	err   error
}

func (f *fakeSource) set(certs []domain.PlatformCertificate, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs, f.err = certs, err
}

func (f *fakeSource) FetchCertificates(ctx context.Context) ([]domain.PlatformCertificate, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", payerr.ErrRequest, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.certs, f.err
}

func TestStore_GetUnknownSerial(t *testing.T) {
	store := domain.NewStore(&fakeSource{})

	cert, ok := store.Get("DEADBEEF")
	assert.False(t, ok)
	assert.Empty(t, cert.SerialNo)
	assert.Nil(t, cert.Key())
}

func TestStore_AutoLoadPopulatesOnce(t *testing.T) {
	p1 := paytest.NewPlatform(t, 0x5157F09E, time.Now().Add(365*24*time.Hour))
	p2 := paytest.NewPlatform(t, 0x7A1B, time.Now().Add(2*365*24*time.Hour))
	src := &fakeSource{}
	src.set([]domain.PlatformCertificate{p1.Certificate(t), p2.Certificate(t)}, nil)

	store := domain.NewStore(src)
	require.NoError(t, store.AutoLoad(context.Background()))

	for _, p := range []*paytest.Platform{p1, p2} {
		got, ok := store.Get(p.SerialNo)
		require.True(t, ok, p.SerialNo)
		assert.Equal(t, p.SerialNo, got.SerialNo)
		assert.Equal(t, p.CertPEM, got.PublicKey)
		assert.True(t, got.Key().Equal(&p.Key.PublicKey))
	}
	_, ok := store.Get("OTHER")
	assert.False(t, ok)

	// populated: no refetch, no expiry check beyond "any usable cert"
	require.NoError(t, store.AutoLoad(context.Background()))
	assert.EqualValues(t, 1, src.calls.Load())
	assert.EqualValues(t, 1, store.Fetches())

	newest, ok := store.Newest()
	require.True(t, ok)
	assert.Equal(t, p2.SerialNo, newest.SerialNo)
}

func TestStore_SingleFlight(t *testing.T) {
	p := paytest.NewPlatform(t, 0xABCDEF, time.Now().Add(time.Hour))
	src := &fakeSource{gate: make(chan struct{})}
	src.set([]domain.PlatformCertificate{p.Certificate(t)}, nil)
	store := domain.NewStore(src)

	const callers = 50
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, callers)
	)
	for range callers {
		wg.Go(func() {
			<-start
			errs <- store.AutoLoad(context.Background())
		})
	}
	close(start)
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, src.calls.Load())
	_, ok := store.Get(p.SerialNo)
	assert.True(t, ok)
}

func TestStore_FailedFetchLeavesStoreEmptyAndRetryable(t *testing.T) {
	src := &fakeSource{}
	src.set(nil, fmt.Errorf("%w: status 500", payerr.ErrRequest))
	store := domain.NewStore(src)

	err := store.AutoLoad(context.Background())
	require.ErrorIs(t, err, payerr.ErrRequest)
	assert.Empty(t, store.Certificates())

	// the guard was released: the next call fetches again and succeeds
	p := paytest.NewPlatform(t, 42, time.Now().Add(time.Hour))
	src.set([]domain.PlatformCertificate{p.Certificate(t)}, nil)
	require.NoError(t, store.AutoLoad(context.Background()))
	assert.EqualValues(t, 2, src.calls.Load())

	_, ok := store.Get(p.SerialNo)
	assert.True(t, ok)
}

func TestStore_FetchTimeoutReleasesGuard(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	store := domain.NewStore(src, domain.WithFetchTimeout(20*time.Millisecond))

	err := store.AutoLoad(context.Background())
	require.ErrorIs(t, err, payerr.ErrRequest)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, store.Certificates())

	p := paytest.NewPlatform(t, 43, time.Now().Add(time.Hour))
	src.set([]domain.PlatformCertificate{p.Certificate(t)}, nil)
	close(src.gate)

	require.NoError(t, store.AutoLoad(context.Background()))
	_, ok := store.Get(p.SerialNo)
	assert.True(t, ok)
}

func TestStore_CallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	p := paytest.NewPlatform(t, 44, time.Now().Add(time.Hour))
	src := &fakeSource{gate: make(chan struct{})}
	src.set([]domain.PlatformCertificate{p.Certificate(t)}, nil)
	store := domain.NewStore(src)

	ctx, cancel := context.WithCancel(context.Background())
	impatient := make(chan error, 1)
	go func() { impatient <- store.AutoLoad(ctx) }()

	patient := make(chan error, 1)
	time.Sleep(10 * time.Millisecond)
	go func() { patient <- store.AutoLoad(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-impatient, context.Canceled)

	close(src.gate)
	assert.NoError(t, <-patient)
	assert.EqualValues(t, 1, src.calls.Load())
	_, ok := store.Get(p.SerialNo)
	assert.True(t, ok)
}

func TestStore_PartialPopulation(t *testing.T) {
	good := paytest.NewPlatform(t, 45, time.Now().Add(time.Hour))
	itemErr := fmt.Errorf("certificate 2E: %w", payerr.ErrDecryption)
	src := &fakeSource{}
	src.set([]domain.PlatformCertificate{good.Certificate(t)}, itemErr)
	store := domain.NewStore(src)

	err := store.AutoLoad(context.Background())
	assert.ErrorIs(t, err, payerr.ErrDecryption)

	_, ok := store.Get(good.SerialNo)
	assert.True(t, ok)
	assert.Len(t, store.Certificates(), 1)
}

func TestStore_RejectsCertificatesWithoutParsedKey(t *testing.T) {
	src := &fakeSource{}
	src.set([]domain.PlatformCertificate{{SerialNo: "FEED", PublicKey: []byte("junk")}}, nil)
	store := domain.NewStore(src)

	err := store.AutoLoad(context.Background())
	assert.ErrorIs(t, err, payerr.ErrParse)
	_, ok := store.Get("FEED")
	assert.False(t, ok)
}

func TestStore_ExpiredCertificateIsAMiss(t *testing.T) {
	now := time.Now()
	expiring := paytest.NewPlatform(t, 46, now.Add(time.Hour))
	src := &fakeSource{}
	src.set([]domain.PlatformCertificate{expiring.Certificate(t)}, nil)

	clk := &movableClock{now: now}
	store := domain.NewStore(src, domain.WithClock(clk))
	require.NoError(t, store.AutoLoad(context.Background()))

	_, ok := store.Get(expiring.SerialNo)
	require.True(t, ok)

	clk.set(now.Add(2 * time.Hour))
	_, ok = store.Get(expiring.SerialNo)
	assert.False(t, ok, "expired certificate must not verify anything")

	// nothing usable left, so AutoLoad fetches again
	rotated := paytest.NewPlatform(t, 47, now.Add(48*time.Hour))
	src.set([]domain.PlatformCertificate{rotated.Certificate(t)}, nil)
	require.NoError(t, store.AutoLoad(context.Background()))
	assert.EqualValues(t, 2, src.calls.Load())

	_, ok = store.Get(rotated.SerialNo)
	assert.True(t, ok)
}

func TestStore_RefreshAndClear(t *testing.T) {
	p1 := paytest.NewPlatform(t, 48, time.Now().Add(time.Hour))
	src := &fakeSource{}
	src.set([]domain.PlatformCertificate{p1.Certificate(t)}, nil)
	store := domain.NewStore(src, domain.WithClock(clock.RealClock{}))
	require.NoError(t, store.AutoLoad(context.Background()))

	p2 := paytest.NewPlatform(t, 49, time.Now().Add(2*time.Hour))
	src.set([]domain.PlatformCertificate{p1.Certificate(t), p2.Certificate(t)}, nil)
	require.NoError(t, store.Refresh(context.Background()))
	assert.Len(t, store.Certificates(), 2)

	// a failing refresh keeps what we have
	src.set(nil, fmt.Errorf("%w: timeout", payerr.ErrRequest))
	require.Error(t, store.Refresh(context.Background()))
	assert.Len(t, store.Certificates(), 2)

	store.Clear()
	assert.Empty(t, store.Certificates())
	_, ok := store.Get(p1.SerialNo)
	assert.False(t, ok)
}

// stallFirstSource blocks its first download until released; later
// downloads return immediately.
type stallFirstSource struct {
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
	certs   []domain.PlatformCertificate
}

func (s *stallFirstSource) FetchCertificates(ctx context.Context) ([]domain.PlatformCertificate, error) {
	if s.calls.Add(1) == 1 {
		close(s.started)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.certs, nil
}

func TestStore_RefreshDoesNotJoinAutoLoad(t *testing.T) {
	p := paytest.NewPlatform(t, 0x5A, time.Now().Add(time.Hour))
	src := &stallFirstSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
		certs:   []domain.PlatformCertificate{p.Certificate(t)},
	}
	store := domain.NewStore(src)

	autoDone := make(chan error, 1)
	go func() { autoDone <- store.AutoLoad(context.Background()) }()
	<-src.started

	// the refresh downloads on its own while the auto load is still stalled
	require.NoError(t, store.Refresh(context.Background()))
	assert.EqualValues(t, 2, src.calls.Load())
	_, ok := store.Get(p.SerialNo)
	assert.True(t, ok)

	close(src.release)
	require.NoError(t, <-autoDone)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestStore_RunRefresher(t *testing.T) {
	p := paytest.NewPlatform(t, 50, time.Now().Add(time.Hour))
	src := &fakeSource{}
	src.set([]domain.PlatformCertificate{p.Certificate(t)}, nil)
	store := domain.NewStore(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunRefresher(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	_, ok := store.Get(p.SerialNo)
	assert.True(t, ok)
}

func TestStore_EmptyListIsAnError(t *testing.T) {
	store := domain.NewStore(&fakeSource{})
	err := store.AutoLoad(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}

type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
