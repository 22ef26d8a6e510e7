// Copyright 2024 The IP Rotator Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ge0rg3/requests-ip-rotator/cloud"
	"github.com/Ge0rg3/requests-ip-rotator/internal/fakecloud"
	"github.com/Ge0rg3/requests-ip-rotator/regions"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, client cloud.Client, opts ...PoolOption) *Pool {
	t.Helper()
	opts = append([]PoolOption{WithLogger(discardLogger), WithRateLimitBackoff(time.Millisecond)}, opts...)
	pool, err := NewPool(client, testSite+"/", opts...)
	require.NoError(t, err)
	return pool
}

func TestNewPool_Validation(t *testing.T) {
	fake := fakecloud.New()

	_, err := NewPool(nil, testSite)
	require.Error(t, err)

	_, err = NewPool(fake, "not a url")
	require.Error(t, err)

	_, err = NewPool(fake, testSite, WithRegions())
	require.Error(t, err)

	_, err = NewPool(fake, testSite, WithRegions("us-east-1", ""))
	require.Error(t, err)

	_, err = NewPool(fake, testSite, WithConcurrency(0))
	require.Error(t, err)

	pool, err := NewPool(fake, testSite+"/")
	require.NoError(t, err)
	require.Equal(t, testSite, pool.Site())
	require.Equal(t, regions.Default(), pool.Regions())
	require.Empty(t, pool.Endpoints())
}

func TestStart_AllRegions(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	pool := newTestPool(t, fake, WithRegions(regions.Extra()...))

	report, err := pool.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Len(t, report.Endpoints, 17)
	require.Equal(t, 17, report.New)
	require.ElementsMatch(t, report.Endpoints, pool.Endpoints())

	// A second start finds the same endpoints.
	again, err := pool.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, again.New)
	require.ElementsMatch(t, report.Endpoints, again.Endpoints)
	require.Equal(t, 17, fake.Count(pool.Name()))
}

func TestStart_PartialFailure(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	fake.FailAlways(fakecloud.OpList, "ap-east-1", cloud.ErrUnauthorizedRegion)
	fake.FailAlways(fakecloud.OpCreate, "eu-west-3", &cloud.ProviderError{Op: "create", Region: "eu-west-3", Err: errors.New("internal failure")})
	pool := newTestPool(t, fake, WithRegions("ap-east-1", "eu-west-3", "us-east-1"))

	report, err := pool.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Len(t, report.Endpoints, 1)
	require.Len(t, pool.Endpoints(), 1)
	require.Equal(t, 1, report.Unauthorized)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	require.ErrorContains(t, report.Errors[0], "eu-west-3")
}

func TestStart_AllFail(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	for _, r := range []string{"us-east-1", "us-east-2"} {
		fake.FailAlways(fakecloud.OpList, r, errors.New("network down"))
	}
	pool := newTestPool(t, fake, WithRegions("us-east-1", "us-east-2"))

	report, err := pool.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Empty(t, report.Endpoints)
	require.Empty(t, pool.Endpoints())
	require.Equal(t, 2, report.Failed)
}

func TestStart_ExplicitEndpoints(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	pool := newTestPool(t, fake)
	given := []string{"a.execute-api.us-east-1.amazonaws.com", "b.execute-api.eu-west-1.amazonaws.com"}

	report, err := pool.Start(context.Background(), StartOptions{Endpoints: given})
	require.NoError(t, err)
	require.Equal(t, given, report.Endpoints)
	require.Equal(t, given, pool.Endpoints())
	for _, r := range pool.Regions() {
		require.Zero(t, fake.Calls(fakecloud.OpList, r))
		require.Zero(t, fake.Calls(fakecloud.OpCreate, r))
	}

	// The pool keeps its own copy.
	given[0] = "changed"
	require.NotEqual(t, "changed", pool.Endpoints()[0])
}

// blockingClient counts how many calls are in flight at once.
type blockingClient struct {
	*fakecloud.Client
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (c *blockingClient) ListResources(ctx context.Context, region, token string) (cloud.Page, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.Client.ListResources(ctx, region, token)
}

func TestStart_BoundedConcurrency(t *testing.T) {
	t.Parallel()
	client := &blockingClient{Client: fakecloud.New()}
	pool := newTestPool(t, client, WithRegions(regions.All()...), WithConcurrency(3))

	report, err := pool.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Len(t, report.Endpoints, 21)
	require.LessOrEqual(t, client.maxSeen.Load(), int32(3))
	require.Positive(t, client.maxSeen.Load())
}

func TestStartThenShutdown_LeavesNothing(t *testing.T) {
	t.Parallel()
	for _, regionList := range [][]string{{"us-east-1"}, regions.Default(), regions.All()} {
		t.Run(fmt.Sprint(len(regionList)), func(t *testing.T) {
			fake := fakecloud.New()
			fake.PageSize = 1
			pool := newTestPool(t, fake, WithRegions(regionList...))

			started, err := pool.Start(context.Background(), StartOptions{})
			require.NoError(t, err)
			require.Len(t, started.Endpoints, len(regionList))

			report, err := pool.Shutdown(context.Background(), nil)
			require.NoError(t, err)
			require.Len(t, report.Deleted, len(regionList))
			require.Zero(t, fake.Count(pool.Name()))
			require.Empty(t, pool.Endpoints())
		})
	}
}

func TestShutdown_KeepsOthers(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	other := fake.Add("us-east-1", "https://other.example - IP Rotate API")
	manual := fake.Add("us-east-1", resourceName(testSite, true))
	mine := fake.Add("us-east-1", APIName(testSite))
	pool := newTestPool(t, fake, WithRegions("us-east-1"))

	report, err := pool.Shutdown(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{mine.ID}, report.Deleted)
	require.ElementsMatch(t, []cloud.Resource{other, manual}, fake.Resources("us-east-1"))
}

func TestShutdown_FilterByEndpoints(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	keep := fake.Add("us-east-1", APIName(testSite))
	drop := fake.Add("us-east-2", APIName(testSite))
	pool := newTestPool(t, fake, WithRegions("us-east-1", "us-east-2"))

	report, err := pool.Shutdown(context.Background(), []string{drop.Hostname, "foreign.execute-api.eu-west-1.amazonaws.com"})
	require.NoError(t, err)
	require.Equal(t, []string{drop.ID}, report.Deleted)
	require.Equal(t, []cloud.Resource{keep}, fake.Resources("us-east-1"))
	require.Empty(t, fake.Resources("us-east-2"))

	// A non-nil empty filter deletes nothing.
	report, err = pool.Shutdown(context.Background(), []string{})
	require.NoError(t, err)
	require.Empty(t, report.Deleted)
	require.Len(t, fake.Resources("us-east-1"), 1)
}

func TestShutdown_RateLimitRetry(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	fake.Add("eu-central-1", APIName(testSite))
	fake.FailNext(fakecloud.OpDelete, "eu-central-1",
		fmt.Errorf("slow down: %w", cloud.ErrRateLimited),
		fmt.Errorf("slow down: %w", cloud.ErrRateLimited))
	pool := newTestPool(t, fake, WithRegions("eu-central-1"))

	report, err := pool.Shutdown(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, report.Deleted, 1)
	require.Equal(t, 3, fake.Calls(fakecloud.OpDelete, "eu-central-1"))
	require.Zero(t, report.Failed)
}

func TestShutdown_OtherErrorsSkipped(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	fake.Add("us-west-1", APIName(testSite))
	fake.Add("us-west-1", APIName(testSite))
	fake.FailNext(fakecloud.OpDelete, "us-west-1", errors.New("conflict"))
	fake.FailAlways(fakecloud.OpList, "af-south-1", cloud.ErrUnauthorizedRegion)
	fake.FailAlways(fakecloud.OpList, "sa-east-1", errors.New("list broke"))
	pool := newTestPool(t, fake, WithRegions("us-west-1", "af-south-1", "sa-east-1"))

	report, err := pool.Shutdown(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, report.Deleted, 1)
	require.Equal(t, 2, fake.Calls(fakecloud.OpDelete, "us-west-1"))
	require.Equal(t, 1, report.Unauthorized)
	require.Equal(t, 2, report.Failed)
	require.Len(t, fake.Resources("us-west-1"), 1)
}

func TestShutdown_LogsUnauthorized(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	fake.FailAlways(fakecloud.OpList, "me-south-1", cloud.ErrUnauthorizedRegion)
	var logs bytes.Buffer
	pool := newTestPool(t, fake, WithRegions("me-south-1", "us-east-1"),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	report, err := pool.Shutdown(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.Unauthorized)
	require.Contains(t, logs.String(), "level=WARN")
	require.Contains(t, logs.String(), "region=me-south-1")
	require.Contains(t, logs.String(), "unauthorized=1")
}

func TestShutdown_RetryStopsOnCancel(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	fake.Add("us-east-1", APIName(testSite))
	fake.FailAlways(fakecloud.OpDelete, "us-east-1", cloud.ErrRateLimited)
	pool := newTestPool(t, fake, WithRegions("us-east-1"), WithRateLimitBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for fake.Calls(fakecloud.OpDelete, "us-east-1") == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	report, err := pool.Shutdown(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, report.Deleted)
	require.Equal(t, 1, report.Failed)
	require.ErrorIs(t, report.Errors[0], context.Canceled)
}

func TestRun_ShutsDownOnError(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	pool := newTestPool(t, fake, WithRegions("us-east-1", "eu-west-1"))
	failure := errors.New("scraper failed")

	err := pool.Run(context.Background(), StartOptions{}, func(ctx context.Context, pool *Pool) error {
		require.Len(t, pool.Endpoints(), 2)
		require.Equal(t, 2, fake.Count(pool.Name()))
		return failure
	})
	require.ErrorIs(t, err, failure)
	require.Zero(t, fake.Count(pool.Name()))
	require.Empty(t, pool.Endpoints())
}

func TestRun_ShutsDownOnPanic(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	pool := newTestPool(t, fake, WithRegions("us-east-1"))

	require.Panics(t, func() {
		_ = pool.Run(context.Background(), StartOptions{}, func(context.Context, *Pool) error {
			panic("boom")
		})
	})
	require.Zero(t, fake.Count(pool.Name()))
}

func TestRun_ReportsShutdownFailure(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	fake.FailAlways(fakecloud.OpDelete, "us-east-1", errors.New("access denied"))
	pool := newTestPool(t, fake, WithRegions("us-east-1"))

	err := pool.Run(context.Background(), StartOptions{}, func(context.Context, *Pool) error { return nil })
	require.ErrorContains(t, err, "access denied")
}

func TestEndpoints_ConcurrentReadsDuringStart(t *testing.T) {
	t.Parallel()
	fake := fakecloud.New()
	pool := newTestPool(t, fake, WithRegions(regions.Extra()...))
	_, err := pool.Start(context.Background(), StartOptions{Endpoints: []string{"old.example"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				eps := pool.Endpoints()
				// Either the old pool or the complete new one.
				if len(eps) != 1 && len(eps) != 17 {
					t.Errorf("observed partial pool of %d endpoints", len(eps))
					return
				}
			}
		}()
	}
	_, err = pool.Start(context.Background(), StartOptions{})
	close(stop)
	wg.Wait()
	require.NoError(t, err)
	require.Len(t, pool.Endpoints(), 17)
}
