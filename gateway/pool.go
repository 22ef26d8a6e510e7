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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Ge0rg3/requests-ip-rotator/cloud"
	"github.com/Ge0rg3/requests-ip-rotator/regions"
)

const (
	// DefaultConcurrency bounds the regions worked on at once, whatever the number of regions.
	DefaultConcurrency = 10
	// DefaultRateLimitBackoff is the wait before retrying a throttled delete.
	DefaultRateLimitBackoff = time.Second
)

// Pool manages the proxy endpoints for one site across a set of regions.
// It is safe for concurrent use.
type Pool struct {
	client      cloud.Client
	site        string
	regions     []string
	concurrency int
	backoff     time.Duration
	logger      *slog.Logger

	// Replaced wholesale, never modified in place.
	endpoints atomic.Pointer[[]string]
}

// PoolOption configures a [Pool].
type PoolOption func(p *Pool)

// WithRegions sets the regions to provision in. Defaults to [regions.Default].
func WithRegions(regionList ...string) PoolOption {
	return func(p *Pool) {
		p.regions = append([]string(nil), regionList...)
	}
}

// WithConcurrency sets the number of regions worked on at once.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		p.concurrency = n
	}
}

// WithRateLimitBackoff sets the wait before retrying a throttled delete.
func WithRateLimitBackoff(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.backoff = d
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a pool for the site. No endpoint is provisioned until [Pool.Start].
func NewPool(client cloud.Client, site string, opts ...PoolOption) (*Pool, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	normalized, err := NormalizeSite(site)
	if err != nil {
		return nil, fmt.Errorf("invalid site %q: %w", site, err)
	}
	p := &Pool{
		client:      client,
		site:        normalized,
		regions:     regions.Default(),
		concurrency: DefaultConcurrency,
		backoff:     DefaultRateLimitBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if len(p.regions) == 0 {
		return nil, errors.New("region list must not be empty")
	}
	for _, r := range p.regions {
		if r == "" {
			return nil, errors.New("region must not be empty")
		}
	}
	if p.concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", p.concurrency)
	}
	return p, nil
}

// Site returns the normalized site.
func (p *Pool) Site() string {
	return p.site
}

// Name returns the display name used for the site's resources.
func (p *Pool) Name() string {
	return APIName(p.site)
}

// Regions returns a copy of the pool's regions.
func (p *Pool) Regions() []string {
	return append([]string(nil), p.regions...)
}

// Endpoints returns the current endpoint hostnames. The returned slice must not be modified.
func (p *Pool) Endpoints() []string {
	if eps := p.endpoints.Load(); eps != nil {
		return *eps
	}
	return nil
}

func (p *Pool) setEndpoints(eps []string) {
	p.endpoints.Store(&eps)
}

func (p *Pool) provisioner() *Provisioner {
	return &Provisioner{Client: p.client, Site: p.site, Logger: p.logger}
}

// StartOptions control [Pool.Start].
type StartOptions struct {
	// Force creates new resources even where some exist for the site.
	Force bool
	// RequireManualDeletion names new resources so that [Pool.Shutdown] leaves them alone.
	RequireManualDeletion bool
	// Endpoints, if not empty, is adopted as the pool without contacting the provider.
	Endpoints []string
}

// StartReport summarizes [Pool.Start].
type StartReport struct {
	Endpoints []string
	// Number of endpoints that were created rather than found.
	New          int
	Unauthorized int
	Failed       int
	// Errors of the failed regions.
	Errors []error
}

// Start fills the pool, provisioning or discovering one endpoint per region.
//
// Regions are worked on concurrently. A region that fails or is unauthorized doesn't fail
// Start, which may return an empty pool. Callers should check the size of
// StartReport.Endpoints before dispatching.
func (p *Pool) Start(ctx context.Context, opts StartOptions) (StartReport, error) {
	if len(opts.Endpoints) > 0 {
		eps := append([]string(nil), opts.Endpoints...)
		p.setEndpoints(eps)
		p.logger.Info("Using given endpoints", "count", len(eps), "name", p.Name())
		return StartReport{Endpoints: eps}, nil
	}

	p.logger.Info(fmt.Sprintf("Starting API gateway%v in %d regions", plural(len(p.regions)), len(p.regions)), "site", p.site)
	type outcome struct {
		result Result
		err    error
	}
	provisioner := p.provisioner()
	ensureOpts := EnsureOptions{Force: opts.Force, RequireManualDeletion: opts.RequireManualDeletion}

	report := StartReport{Endpoints: make([]string, 0, len(p.regions))}
	fanOut(p.regions, p.concurrency, func(region string) outcome {
		result, err := provisioner.Ensure(ctx, region, ensureOpts)
		return outcome{result, err}
	}, func(o outcome) {
		switch o.result.Status {
		case StatusSuccess:
			report.Endpoints = append(report.Endpoints, o.result.Endpoint)
			if o.result.New {
				report.New++
			}
		case StatusUnauthorized:
			report.Unauthorized++
		default:
			report.Failed++
			report.Errors = append(report.Errors, o.err)
			p.logger.Error("Failed to start endpoint", "region", o.result.Region, "error", o.err)
		}
	})
	p.setEndpoints(report.Endpoints)

	p.logger.Info(fmt.Sprintf("Using %d endpoints with name '%v' (%d new)", len(report.Endpoints), p.Name(), report.New),
		"unauthorized", report.Unauthorized, "failed", report.Failed)
	return report, nil
}

// ShutdownReport summarizes [Pool.Shutdown].
type ShutdownReport struct {
	// IDs of the deleted resources across all regions.
	Deleted      []string
	Unauthorized int
	// Number of regions that couldn't be listed plus resources that couldn't be deleted.
	Failed int
	Errors []error
}

// regionDeletion is the outcome of tearing down one region.
type regionDeletion struct {
	region       string
	deleted      []string
	unauthorized bool
	errs         []error
}

// Shutdown deletes the site's resources in every region of the pool and clears the pool.
//
// Only resources named exactly [APIName] are deleted, so resources created with
// RequireManualDeletion survive. If endpoints is not nil, only resources whose hostname is
// in endpoints are deleted; hostnames that belong to no resource are ignored.
//
// A throttled delete is retried after the backoff until it succeeds or fails otherwise.
// Other failures are logged and skipped.
func (p *Pool) Shutdown(ctx context.Context, endpoints []string) (ShutdownReport, error) {
	p.logger.Info(fmt.Sprintf("Deleting gateway%v for site '%v'", plural(len(p.regions)), p.site))
	var only map[string]struct{}
	if endpoints != nil {
		only = make(map[string]struct{}, len(endpoints))
		for _, ep := range endpoints {
			only[ep] = struct{}{}
		}
	}

	var report ShutdownReport
	fanOut(p.regions, p.concurrency, func(region string) regionDeletion {
		return p.deleteRegion(ctx, region, only)
	}, func(d regionDeletion) {
		report.Deleted = append(report.Deleted, d.deleted...)
		if d.unauthorized {
			report.Unauthorized++
		}
		report.Failed += len(d.errs)
		report.Errors = append(report.Errors, d.errs...)
	})
	p.setEndpoints(nil)

	p.logger.Info(fmt.Sprintf("Deleted %d endpoints for site '%v'", len(report.Deleted), p.site),
		"unauthorized", report.Unauthorized, "failed", report.Failed)
	return report, nil
}

func (p *Pool) deleteRegion(ctx context.Context, region string, only map[string]struct{}) regionDeletion {
	d := regionDeletion{region: region}
	resources, err := cloud.ListAll(ctx, p.client, region)
	if err != nil {
		if cloud.IsUnauthorizedRegion(err) {
			p.logger.Warn("Could not use region (some regions require manual enabling)", "region", region)
			d.unauthorized = true
			return d
		}
		err = fmt.Errorf("list endpoints in %v failed: %w", region, err)
		p.logger.Error("Failed to list endpoints", "region", region, "error", err)
		d.errs = append(d.errs, err)
		return d
	}
	name := p.Name()
	for _, r := range resources {
		if r.Name != name {
			continue
		}
		if only != nil {
			if _, ok := only[r.Hostname]; !ok {
				continue
			}
		}
		if err := p.deleteWithRetry(ctx, region, r.ID); err != nil {
			err = fmt.Errorf("delete endpoint %v in %v failed: %w", r.ID, region, err)
			p.logger.Error("Failed to delete API", "region", region, "id", r.ID, "error", err)
			d.errs = append(d.errs, err)
			continue
		}
		d.deleted = append(d.deleted, r.ID)
	}
	return d
}

// deleteWithRetry deletes the resource, retrying on throttling until it's no longer
// throttled or ctx is done.
func (p *Pool) deleteWithRetry(ctx context.Context, region, id string) error {
	for {
		err := p.client.DeleteResource(ctx, region, id)
		if !cloud.IsRateLimited(err) {
			return err
		}
		p.logger.Debug("Delete throttled, retrying", "region", region, "id", id, "backoff", p.backoff)
		timer := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// Run starts the pool, calls fn and shuts the pool down, even if fn fails or panics.
// Errors from fn and from the shutdown are joined.
func (p *Pool) Run(ctx context.Context, opts StartOptions, fn func(ctx context.Context, pool *Pool) error) (err error) {
	defer func() {
		// Teardown must not be skipped because the caller's context was cancelled.
		shutdownCtx := context.WithoutCancel(ctx)
		report, shutdownErr := p.Shutdown(shutdownCtx, nil)
		if shutdownErr == nil && report.Failed > 0 {
			shutdownErr = fmt.Errorf("failed to delete %d endpoints: %w", report.Failed, errors.Join(report.Errors...))
		}
		if shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}
	}()
	if _, err := p.Start(ctx, opts); err != nil {
		return err
	}
	return fn(ctx, p)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
