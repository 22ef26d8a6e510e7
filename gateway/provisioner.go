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
	"fmt"
	"log/slog"
	"strings"

	"github.com/Ge0rg3/requests-ip-rotator/cloud"
)

const (
	// StageName is the stage resources are deployed to. Requests through an endpoint
	// must have their path prefixed with "/" + StageName.
	StageName = "ProxyStage"
	// ForwardedForHeader is the request header that resources forward to the site as
	// X-Forwarded-For. The provider rewrites X-Forwarded-For itself, so the intended value
	// travels in this header instead.
	ForwardedForHeader = "X-My-X-Forwarded-For"
)

// Status is the outcome of provisioning one region.
type Status int

const (
	// StatusError means the region failed with a provider error.
	StatusError Status = iota
	// StatusSuccess means the region has a usable endpoint.
	StatusSuccess
	// StatusUnauthorized means the account can't use the region.
	StatusUnauthorized
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}

// EnsureOptions control [Provisioner.Ensure].
type EnsureOptions struct {
	// Force creates a new resource even if one exists for the site.
	Force bool
	// RequireManualDeletion names the new resource so that [Pool.Shutdown] leaves it alone.
	RequireManualDeletion bool
}

// Result is the outcome of [Provisioner.Ensure].
type Result struct {
	Region string
	Status Status
	// Public hostname of the endpoint. Set when Status is StatusSuccess.
	Endpoint string
	// New is true if the resource was created by this call rather than found.
	New bool
}

// Provisioner makes sure a region has a proxying resource for a site.
type Provisioner struct {
	Client cloud.Client
	// Site is the normalized upstream origin. See [NormalizeSite].
	Site string
	// Logger defaults to [slog.Default] when nil.
	Logger *slog.Logger
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Ensure returns the endpoint of the region's resource for the site, creating the resource
// if there is none or opts.Force is set.
//
// A region the account can't use yields StatusUnauthorized and a nil error. Any other
// failure yields StatusError and the error.
func (p *Provisioner) Ensure(ctx context.Context, region string, opts EnsureOptions) (Result, error) {
	result := Result{Region: region}
	if !opts.Force {
		existing, err := p.find(ctx, region)
		if err != nil {
			return p.fail(result, "list", err)
		}
		if existing != nil {
			p.logger().Debug("Found existing endpoint", "region", region, "id", existing.ID)
			result.Status = StatusSuccess
			result.Endpoint = existing.Hostname
			return result, nil
		}
	}

	created, err := p.Client.CreateResource(ctx, region, cloud.ResourceSpec{
		Name:               resourceName(p.Site, opts.RequireManualDeletion),
		Site:               p.Site,
		StageName:          StageName,
		ForwardedForHeader: ForwardedForHeader,
	})
	if err != nil {
		return p.fail(result, "create", err)
	}
	p.logger().Debug("Created endpoint", "region", region, "id", created.ID)
	result.Status = StatusSuccess
	result.Endpoint = created.Hostname
	result.New = true
	return result, nil
}

// find returns the first resource in the region whose name starts with the site's API name.
func (p *Provisioner) find(ctx context.Context, region string) (*cloud.Resource, error) {
	resources, err := cloud.ListAll(ctx, p.Client, region)
	if err != nil {
		return nil, err
	}
	name := APIName(p.Site)
	for i := range resources {
		if strings.HasPrefix(resources[i].Name, name) {
			return &resources[i], nil
		}
	}
	return nil, nil
}

func (p *Provisioner) fail(result Result, op string, err error) (Result, error) {
	if cloud.IsUnauthorizedRegion(err) {
		p.logger().Warn("Could not use region (some regions require manual enabling)", "region", result.Region)
		result.Status = StatusUnauthorized
		return result, nil
	}
	result.Status = StatusError
	return result, fmt.Errorf("%v endpoint in %v failed: %w", op, result.Region, err)
}
