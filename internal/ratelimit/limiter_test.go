package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealgrid/price_reconciler/internal/monitoring"
	"github.com/dealgrid/price_reconciler/internal/testhelpers"
)

func newLimiter(cfg Config) *OriginLimiter {
	return New(cfg, nil, testhelpers.Logger())
}

func TestOrigin_Extraction(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"https://Shop.Example.com/item/1", "shop.example.com", false},
		{"http://vendor.example:8080/api", "vendor.example", false},
		{"not a url at all://", "", true},
		{"/relative/path", "", true},
	}

	for _, tt := range tests {
		got, err := Origin(tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
		} else {
			require.NoError(t, err, tt.raw)
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestHostMatchesSuffix(t *testing.T) {
	assert.True(t, hostMatchesSuffix("shop.example.com", "example.com"))
	assert.True(t, hostMatchesSuffix("example.com", "example.com"))
	assert.False(t, hostMatchesSuffix("notexample.com", "example.com"))
	assert.False(t, hostMatchesSuffix("example.com", ""))
}

func TestAcquire_BurstThenWait(t *testing.T) {
	l := newLimiter(Config{DefaultRate: 20, DefaultBurst: 3, MaxQueueDepth: 10})
	ctx := context.Background()

	// Never grants more than burst immediately
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "https://vendor.example/item"))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	// Fourth grant has to wait for a refill (~50ms at 20/s)
	start = time.Now()
	require.NoError(t, l.Acquire(ctx, "https://vendor.example/item"))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestAcquire_ConvergesToRate(t *testing.T) {
	l := newLimiter(Config{DefaultRate: 50, DefaultBurst: 1, MaxQueueDepth: 128})
	ctx := context.Background()

	// Drain the initial token
	require.NoError(t, l.Acquire(ctx, "https://vendor.example/"))

	var granted atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, "https://vendor.example/"); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// 20 sequential grants at 50/s need ~400ms; allow generous jitter
	assert.Equal(t, int64(20), granted.Load())
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 1200*time.Millisecond)
}

func TestAcquire_QueueSaturationFailsFast(t *testing.T) {
	l := newLimiter(Config{DefaultRate: 0.1, DefaultBurst: 1, MaxQueueDepth: 2})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "https://slow.example/"))

	// Two callers may queue
	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 2; i++ {
		go l.Acquire(waitCtx, "https://slow.example/") //nolint:errcheck
	}
	assert.Eventually(t, func() bool {
		return l.QueueDepth("https://slow.example/") == 2
	}, time.Second, 5*time.Millisecond)

	// The third is rejected immediately
	start := time.Now()
	err := l.Acquire(ctx, "https://slow.example/")
	assert.ErrorIs(t, err, ErrQueueSaturated)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquire_CancelledWhileWaiting(t *testing.T) {
	l := newLimiter(Config{DefaultRate: 0.1, DefaultBurst: 1, MaxQueueDepth: 10})

	require.NoError(t, l.Acquire(context.Background(), "https://slow.example/"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "https://slow.example/")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.QueueDepth("https://slow.example/"))
}

func TestPenalize_LengthensNextWait(t *testing.T) {
	l := newLimiter(Config{DefaultRate: 20, DefaultBurst: 2, MaxQueueDepth: 10, PenaltyTokens: 2})
	ctx := context.Background()

	// Bucket starts full; a penalty drives it negative
	l.Penalize("https://vendor.example/")

	// At 20/s, recovering from -2 to +1 takes ~150ms
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "https://vendor.example/"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPenalize_Stacks(t *testing.T) {
	l := newLimiter(Config{DefaultRate: 1000, DefaultBurst: 5, MaxQueueDepth: 10, PenaltyTokens: 5})

	l.Penalize("https://vendor.example/")
	l.Penalize("https://vendor.example/")

	l.mu.Lock()
	tokens := l.buckets["vendor.example"].tokens
	l.mu.Unlock()
	assert.Less(t, tokens, -5.0)
}

func TestTierMatching(t *testing.T) {
	l := newLimiter(Config{
		Tiers: []Tier{
			{Suffix: "bigretailer.example", Rate: 100, Burst: 50},
			{Suffix: "fragile.example", Rate: 0.5, Burst: 1},
		},
		DefaultRate:   5,
		DefaultBurst:  10,
		MaxQueueDepth: 10,
	})

	l.mu.Lock()
	big := l.bucketLocked("api.bigretailer.example")
	fragile := l.bucketLocked("fragile.example")
	other := l.bucketLocked("unknown.example")
	l.mu.Unlock()

	assert.Equal(t, 100.0, big.rate)
	assert.Equal(t, 50.0, big.burst)
	assert.Equal(t, 0.5, fragile.rate)
	assert.Equal(t, 5.0, other.rate)
	assert.Equal(t, 10.0, other.burst)
}

func TestSweep_ReclaimsIdleBuckets(t *testing.T) {
	l := newLimiter(Config{
		DefaultRate:      10,
		DefaultBurst:     10,
		MaxQueueDepth:    10,
		IdleReclaimAfter: 30 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
	})
	l.Start()
	defer l.Stop()

	require.NoError(t, l.Acquire(context.Background(), "https://ephemeral.example/"))
	assert.Equal(t, 1, l.Origins())

	assert.Eventually(t, func() bool {
		return l.Origins() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSweep_KeepsBucketsWithWaiters(t *testing.T) {
	l := newLimiter(Config{
		DefaultRate:      0.1,
		DefaultBurst:     1,
		MaxQueueDepth:    10,
		IdleReclaimAfter: 10 * time.Millisecond,
		SweepInterval:    5 * time.Millisecond,
	})
	l.Start()
	defer l.Stop()

	require.NoError(t, l.Acquire(context.Background(), "https://busy.example/"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Acquire(ctx, "https://busy.example/") //nolint:errcheck

	assert.Eventually(t, func() bool {
		return l.QueueDepth("https://busy.example/") == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, l.Origins())
}

func TestAcquire_SaturationAndQueueDepthMetrics(t *testing.T) {
	l := New(Config{DefaultRate: 0.1, DefaultBurst: 1, MaxQueueDepth: 1}, monitoring.New(true), testhelpers.Logger())
	const origin = "metered-a.example"

	require.NoError(t, l.Acquire(context.Background(), "https://"+origin+"/"))

	waitCtx, cancel := context.WithCancel(context.Background())
	go l.Acquire(waitCtx, "https://"+origin+"/") //nolint:errcheck
	assert.Eventually(t, func() bool {
		return l.QueueDepth("https://"+origin+"/") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(monitoring.LimiterQueueDepth.WithLabelValues(origin)))

	saturatedBefore := testutil.ToFloat64(monitoring.LimiterSaturatedTotal.WithLabelValues(origin))
	err := l.Acquire(context.Background(), "https://"+origin+"/")
	require.ErrorIs(t, err, ErrQueueSaturated)
	assert.Equal(t, saturatedBefore+1, testutil.ToFloat64(monitoring.LimiterSaturatedTotal.WithLabelValues(origin)))

	// cancelling the waiter empties the queue and the gauge follows
	cancel()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(monitoring.LimiterQueueDepth.WithLabelValues(origin)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPenalize_RecordsMetric(t *testing.T) {
	l := New(Config{DefaultRate: 1000, DefaultBurst: 5, MaxQueueDepth: 10, PenaltyTokens: 5}, monitoring.New(true), testhelpers.Logger())
	const origin = "metered-b.example"

	before := testutil.ToFloat64(monitoring.LimiterPenaltiesTotal.WithLabelValues(origin))
	l.Penalize("https://" + origin + "/")
	l.Penalize("https://" + origin + "/")
	assert.Equal(t, before+2, testutil.ToFloat64(monitoring.LimiterPenaltiesTotal.WithLabelValues(origin)))
}

func TestDrain_RefreshesBucketActivity(t *testing.T) {
	l := newLimiter(Config{DefaultRate: 10, DefaultBurst: 10, MaxQueueDepth: 10, IdleReclaimAfter: time.Minute})

	base := time.Now().UTC()
	l.now = func() time.Time { return base }

	l.mu.Lock()
	b := l.bucketLocked("drain.example")
	b.tokens = 1
	b.lastActivity = base.Add(-time.Hour)
	w := &waiter{ready: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	l.drainLocked(b)
	l.mu.Unlock()

	// granting a waiter must keep the bucket off the idle sweep's list
	require.True(t, w.granted)
	assert.Equal(t, base, b.lastActivity)
}
