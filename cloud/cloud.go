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

/*
Package cloud defines the capability the endpoint pool needs from a cloud provider:
listing, creating and deleting region-scoped HTTP proxying resources.

A [Client] is region-aware rather than region-bound: every call names the region it
operates on, so one Client can serve a fan-out across many regions.

Providers report two conditions in a distinguishable way, by wrapping
[ErrUnauthorizedRegion] or [ErrRateLimited]. Everything else is opaque to callers
and usually reported as a [*ProviderError].
*/
package cloud

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthorizedRegion means the account can't use the region, usually because it
	// requires an opt-in that was never done.
	ErrUnauthorizedRegion = errors.New("region not enabled for account")
	// ErrRateLimited means the provider is throttling requests. The call may be retried.
	ErrRateLimited = errors.New("rate limited by provider")
)

// Resource is a proxying resource provisioned in one region.
type Resource struct {
	// Provider-assigned identifier, unique within the region.
	ID string
	// Display name, used to find the resources created for a site.
	Name string
	// Region the resource lives in.
	Region string
	// Public hostname that accepts requests for the resource.
	Hostname string
}

// ResourceSpec describes the resource to create.
type ResourceSpec struct {
	Name string
	// Upstream origin the resource forwards to. No trailing slash.
	Site string
	// Stage the resource is deployed to. Deployed paths are prefixed with "/" + StageName.
	StageName string
	// Request header whose value the resource forwards to the upstream as X-Forwarded-For.
	ForwardedForHeader string
}

// Page is one page of a resource listing.
type Page struct {
	Resources []Resource
	// Token to fetch the next page. Empty on the last page.
	NextToken string
}

// Client is the cloud provider capability used by the endpoint pool.
// Implementations must be safe for concurrent use.
type Client interface {
	// ListResources returns one page of the resources in the region, starting at token.
	// An empty token requests the first page.
	ListResources(ctx context.Context, region string, token string) (Page, error)
	// CreateResource provisions a new resource in the region and returns it once it can
	// accept requests.
	CreateResource(ctx context.Context, region string, spec ResourceSpec) (Resource, error)
	// DeleteResource removes the resource with the given ID from the region.
	DeleteResource(ctx context.Context, region string, id string) error
}

// ListAll follows pagination tokens until exhausted and returns every resource in the region.
func ListAll(ctx context.Context, client Client, region string) ([]Resource, error) {
	var all []Resource
	token := ""
	// Guards against providers that hand back the same token forever.
	seen := make(map[string]struct{})
	for {
		page, err := client.ListResources(ctx, region, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Resources...)
		if page.NextToken == "" {
			return all, nil
		}
		if _, ok := seen[page.NextToken]; ok {
			return nil, fmt.Errorf("pagination token %q repeated in region %v", page.NextToken, region)
		}
		seen[page.NextToken] = struct{}{}
		token = page.NextToken
	}
}

// ProviderError is an error reported by the provider that is not one of the known kinds.
type ProviderError struct {
	// Operation that failed, like "list", "create" or "delete".
	Op string
	// Region the operation targeted.
	Region string
	// Provider error code, when available.
	Code string
	Err  error
}

var _ error = (*ProviderError)(nil)

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v in %v: %v: %v", e.Op, e.Region, e.Code, e.Err)
	}
	return fmt.Sprintf("%v in %v: %v", e.Op, e.Region, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsUnauthorizedRegion reports whether err means the region isn't enabled.
func IsUnauthorizedRegion(err error) bool {
	return errors.Is(err, ErrUnauthorizedRegion)
}

// IsRateLimited reports whether err is a throttling error.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
