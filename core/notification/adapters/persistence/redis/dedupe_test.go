package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"wxpay/core/notification/domain"
	"wxpay/modules/clock"
	dbredis "wxpay/modules/db/redis"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/rueidis"
	"github.com/redis/rueidis/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var fixedNow = clock.Fixed(time.Unix(1700000000, 0))

func newMockDeduplicator(t *testing.T) (*Deduplicator, *mock.Client) {
	t.Helper()
	client := mock.NewClient(gomock.NewController(t))
	d := NewDeduplicator(client,
		WithKeyPrefix("wxpay:test:"),
		WithTTL(time.Hour),
		WithLeaseTTL(2*time.Minute),
		WithClock(fixedNow),
	)
	return d, client
}

func TestDeduplicator_ClaimAcquired(t *testing.T) {
	d, client := newMockDeduplicator(t)
	client.EXPECT().
		Do(gomock.Any(), mock.Match("SET", "wxpay:test:notify:EV-1", "processing:1700000000", "NX", "EX", "120")).
		Return(mock.Result(mock.RedisString("OK")))

	status, err := d.Claim(context.Background(), "EV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimAcquired, status)
}

func TestDeduplicator_ClaimTaken(t *testing.T) {
	cases := map[string]struct {
		current rueidis.RedisMessage
		want    domain.ClaimStatus
	}{
		"handled before":      {current: mock.RedisString("done:1699990000"), want: domain.ClaimDone},
		"still processing":    {current: mock.RedisString("processing:1699999990"), want: domain.ClaimInProgress},
		"released in between": {current: mock.RedisNil(), want: domain.ClaimInProgress},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d, client := newMockDeduplicator(t)
			gomock.InOrder(
				client.EXPECT().
					Do(gomock.Any(), mock.Match("SET", "wxpay:test:notify:EV-2", "processing:1700000000", "NX", "EX", "120")).
					Return(mock.Result(mock.RedisNil())),
				client.EXPECT().
					Do(gomock.Any(), mock.Match("GET", "wxpay:test:notify:EV-2")).
					Return(mock.Result(tc.current)),
			)

			status, err := d.Claim(context.Background(), "EV-2")
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}

func TestDeduplicator_ClaimErrors(t *testing.T) {
	down := errors.New("dial tcp: connection refused")

	t.Run("set fails", func(t *testing.T) {
		d, client := newMockDeduplicator(t)
		client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(mock.ErrorResult(down))

		_, err := d.Claim(context.Background(), "EV-3")
		assert.ErrorIs(t, err, down)
	})

	t.Run("inspect fails", func(t *testing.T) {
		d, client := newMockDeduplicator(t)
		gomock.InOrder(
			client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(mock.Result(mock.RedisNil())),
			client.EXPECT().Do(gomock.Any(), mock.Match("GET", "wxpay:test:notify:EV-3")).Return(mock.ErrorResult(down)),
		)

		_, err := d.Claim(context.Background(), "EV-3")
		assert.ErrorIs(t, err, down)
	})
}

func TestDeduplicator_CompleteAndRelease(t *testing.T) {
	d, client := newMockDeduplicator(t)
	gomock.InOrder(
		client.EXPECT().
			Do(gomock.Any(), mock.Match("SET", "wxpay:test:notify:EV-4", "done:1700000000", "EX", "3600")).
			Return(mock.Result(mock.RedisString("OK"))),
		client.EXPECT().
			Do(gomock.Any(), mock.Match("DEL", "wxpay:test:notify:EV-5")).
			Return(mock.Result(mock.RedisInt64(1))),
		client.EXPECT().
			Do(gomock.Any(), mock.Match("DEL", "wxpay:test:notify:EV-6")).
			Return(mock.ErrorResult(errors.New("READONLY"))),
	)

	ctx := context.Background()
	require.NoError(t, d.Complete(ctx, "EV-4"))
	require.NoError(t, d.Release(ctx, "EV-5"))
	assert.Error(t, d.Release(ctx, "EV-6"))
}

func TestDeduplicator_Options(t *testing.T) {
	d := NewDeduplicator(nil, WithKeyPrefix("wxpay:prod:"))
	assert.Equal(t, "wxpay:prod:notify:EV-1", d.key("EV-1"))
	assert.Equal(t, DefaultTTL, d.ttl)
	assert.Equal(t, DefaultLeaseTTL, d.lease)

	d = NewDeduplicator(nil, WithTTL(time.Millisecond), WithLeaseTTL(time.Millisecond))
	assert.Equal(t, DefaultTTL, d.ttl, "sub-second ttl is ignored")
	assert.Equal(t, DefaultLeaseTTL, d.lease, "sub-second lease is ignored")
}

// Runs against a real server: REDIS_URL=redis://localhost:6379/0 go test ./...
func newRedisDeduplicator(t *testing.T) *Deduplicator {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := dbredis.NewRueidisClient(context.Background(), dbredis.RedisConfig{URL: url, ClientName: "wxpay-test"})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return NewDeduplicator(client,
		WithKeyPrefix("wxpay:test:"+uuid.Must(uuid.NewV4()).String()+":"),
		WithTTL(time.Hour),
		WithLeaseTTL(time.Minute),
	)
}

func TestDeduplicator_Redis_Lifecycle(t *testing.T) {
	d := newRedisDeduplicator(t)
	ctx := context.Background()

	status, err := d.Claim(ctx, "EV-2018022511223320873")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimAcquired, status)

	status, err = d.Claim(ctx, "EV-2018022511223320873")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimInProgress, status)

	require.NoError(t, d.Complete(ctx, "EV-2018022511223320873"))
	status, err = d.Claim(ctx, "EV-2018022511223320873")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimDone, status)

	status, err = d.Claim(ctx, "EV-other")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimAcquired, status)
}

func TestDeduplicator_Redis_ReleaseAllowsReclaim(t *testing.T) {
	d := newRedisDeduplicator(t)
	ctx := context.Background()

	_, err := d.Claim(ctx, "EV-1")
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx, "EV-1"))

	status, err := d.Claim(ctx, "EV-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimAcquired, status)

	// releasing an unknown id is not an error
	assert.NoError(t, d.Release(ctx, "EV-never"))
}

func TestDeduplicator_Redis_TTLs(t *testing.T) {
	d := newRedisDeduplicator(t)
	ctx := context.Background()
	ttl := func(id string) int64 {
		v, err := d.client.Do(ctx, d.client.B().Ttl().Key(d.key(id)).Build()).AsInt64()
		require.NoError(t, err)
		return v
	}

	_, err := d.Claim(ctx, "EV-ttl")
	require.NoError(t, err)
	assert.InDelta(t, 60, ttl("EV-ttl"), 2)

	require.NoError(t, d.Complete(ctx, "EV-ttl"))
	assert.InDelta(t, 3600, ttl("EV-ttl"), 2)
}
