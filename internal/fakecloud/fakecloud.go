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

// Package fakecloud is an in-memory [cloud.Client] with scriptable failures.
package fakecloud

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/Ge0rg3/requests-ip-rotator/cloud"
	"github.com/Ge0rg3/requests-ip-rotator/cloud/apigateway"
	"github.com/google/uuid"
)

var errNotFound = errors.New("resource not found")

// Operations that can be scripted to fail.
const (
	OpList   = "list"
	OpCreate = "create"
	OpDelete = "delete"
)

type opKey struct {
	op     string
	region string
}

// Client is a fake [cloud.Client]. The zero value is not usable; use [New].
type Client struct {
	// PageSize bounds the number of resources per listing page. Zero means no paging.
	PageSize int

	mu         sync.Mutex
	resources  map[string][]cloud.Resource
	specs      map[string]cloud.ResourceSpec
	failAlways map[opKey]error
	failNext   map[opKey][]error
	calls      map[opKey]int
}

var _ cloud.Client = (*Client)(nil)

// New creates an empty fake cloud.
func New() *Client {
	return &Client{
		resources:  make(map[string][]cloud.Resource),
		specs:      make(map[string]cloud.ResourceSpec),
		failAlways: make(map[opKey]error),
		failNext:   make(map[opKey][]error),
		calls:      make(map[opKey]int),
	}
}

// FailAlways makes every op call in region return err.
func (c *Client) FailAlways(op, region string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAlways[opKey{op, region}] = err
}

// FailNext queues errs to be returned, in order, by the next op calls in region.
func (c *Client) FailNext(op, region string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := opKey{op, region}
	c.failNext[k] = append(c.failNext[k], errs...)
}

// Calls returns how many times op was invoked in region, including failed calls.
func (c *Client) Calls(op, region string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[opKey{op, region}]
}

// Add inserts a resource directly, as if created by an earlier run.
func (c *Client) Add(region string, name string) cloud.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.newResourceLocked(region, name)
	c.resources[region] = append(c.resources[region], r)
	return r
}

// Resources returns a copy of the resources currently in region.
func (c *Client) Resources(region string) []cloud.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cloud.Resource(nil), c.resources[region]...)
}

// Spec returns the spec a resource was created with.
func (c *Client) Spec(id string) (cloud.ResourceSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.specs[id]
	return s, ok
}

// Count returns the number of resources across all regions whose name has the given prefix.
func (c *Client) Count(namePrefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.resources {
		for _, r := range list {
			if strings.HasPrefix(r.Name, namePrefix) {
				n++
			}
		}
	}
	return n
}

// checkLocked records the call and returns the scripted error, if any.
func (c *Client) checkLocked(op, region string) error {
	k := opKey{op, region}
	c.calls[k]++
	if queue := c.failNext[k]; len(queue) > 0 {
		err := queue[0]
		c.failNext[k] = queue[1:]
		return err
	}
	return c.failAlways[k]
}

func (c *Client) newResourceLocked(region, name string) cloud.Resource {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return cloud.Resource{ID: id, Name: name, Region: region, Hostname: apigateway.Hostname(id, region)}
}

func (c *Client) ListResources(ctx context.Context, region string, token string) (cloud.Page, error) {
	if err := ctx.Err(); err != nil {
		return cloud.Page{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(OpList, region); err != nil {
		return cloud.Page{}, err
	}
	list := c.resources[region]
	start := 0
	if token != "" {
		var err error
		start, err = strconv.Atoi(token)
		if err != nil || start < 0 || start > len(list) {
			return cloud.Page{}, &cloud.ProviderError{Op: OpList, Region: region, Code: "BadRequestException", Err: strconv.ErrSyntax}
		}
	}
	end := len(list)
	if c.PageSize > 0 && start+c.PageSize < end {
		end = start + c.PageSize
	}
	page := cloud.Page{Resources: append([]cloud.Resource(nil), list[start:end]...)}
	if end < len(list) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (c *Client) CreateResource(ctx context.Context, region string, spec cloud.ResourceSpec) (cloud.Resource, error) {
	if err := ctx.Err(); err != nil {
		return cloud.Resource{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(OpCreate, region); err != nil {
		return cloud.Resource{}, err
	}
	r := c.newResourceLocked(region, spec.Name)
	c.resources[region] = append(c.resources[region], r)
	c.specs[r.ID] = spec
	return r, nil
}

func (c *Client) DeleteResource(ctx context.Context, region string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(OpDelete, region); err != nil {
		return err
	}
	list := c.resources[region]
	for i, r := range list {
		if r.ID == id {
			c.resources[region] = append(list[:i:i], list[i+1:]...)
			delete(c.specs, id)
			return nil
		}
	}
	return &cloud.ProviderError{Op: OpDelete, Region: region, Code: "NotFoundException", Err: errNotFound}
}
