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
Package rotator routes HTTP requests through a pool of proxy endpoints, picking a random
endpoint for every request.

[Transport] is an [http.RoundTripper] decorator. It rewrites each request to target an
endpoint and then hands it to the underlying transport:

	client := rotator.Client(pool, nil)
	resp, err := client.Get("https://example.com/api/items?page=2")

With an endpoint abc123.execute-api.us-east-1.amazonaws.com, the request above is sent to
https://abc123.execute-api.us-east-1.amazonaws.com/ProxyStage/api/items?page=2 and the
endpoint forwards it to the site.

The rewrite also controls the X-Forwarded-For the site sees. A value set by the caller is
kept, otherwise a random address is used, so the site doesn't get the real client address.
*/
package rotator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/Ge0rg3/requests-ip-rotator/gateway"
	"golang.org/x/net/http/httpguts"
)

// ErrEmptyPool is returned when a request is dispatched while the pool has no endpoints.
var ErrEmptyPool = errors.New("endpoint pool is empty")

const xForwardedFor = "X-Forwarded-For"

// EndpointSource provides the endpoints to route through. [*gateway.Pool] implements it.
type EndpointSource interface {
	// Endpoints returns the current endpoint hostnames. It's called for every request and
	// must be safe for concurrent use. The caller doesn't modify the result.
	Endpoints() []string
}

// StaticEndpoints is an [EndpointSource] with a fixed list of endpoints.
type StaticEndpoints []string

func (s StaticEndpoints) Endpoints() []string {
	return s
}

var _ EndpointSource = (*gateway.Pool)(nil)

// Transport is an [http.RoundTripper] that sends each request through a random endpoint.
type Transport struct {
	source             EndpointSource
	base               http.RoundTripper
	intN               func(n int) int
	stagePrefix        string
	forwardedForHeader string
}

var _ http.RoundTripper = (*Transport)(nil)

// Option configures a [Transport].
type Option func(t *Transport)

// WithRandom sets the function used to pick an endpoint index in [0, n).
// It must be safe for concurrent use. Defaults to [rand.IntN].
func WithRandom(intN func(n int) int) Option {
	return func(t *Transport) {
		t.intN = intN
	}
}

// WithStage sets the deployment stage whose path prefixes each request.
// Defaults to [gateway.StageName].
func WithStage(stage string) Option {
	return func(t *Transport) {
		t.stagePrefix = "/" + strings.Trim(stage, "/")
	}
}

// WithForwardedForHeader sets the header that carries the X-Forwarded-For value to the
// endpoint. Defaults to [gateway.ForwardedForHeader]. Invalid header names are ignored.
func WithForwardedForHeader(name string) Option {
	return func(t *Transport) {
		if httpguts.ValidHeaderFieldName(name) {
			t.forwardedForHeader = http.CanonicalHeaderKey(name)
		}
	}
}

// NewTransport creates a [Transport] that picks endpoints from source and sends the
// rewritten requests with base. A nil base means [http.DefaultTransport].
func NewTransport(source EndpointSource, base http.RoundTripper, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		source:             source,
		base:               base,
		intN:               rand.IntN,
		stagePrefix:        "/" + gateway.StageName,
		forwardedForHeader: gateway.ForwardedForHeader,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns an [http.Client] that sends its requests through a [Transport].
func Client(source EndpointSource, base http.RoundTripper, opts ...Option) *http.Client {
	return &http.Client{Transport: NewTransport(source, base, opts...)}
}

// RoundTrip rewrites the request with [Transport.Rewrite] and sends it with the base
// transport. The response and error of the base transport are returned as is.
// If the pool is empty, it returns [ErrEmptyPool] without sending anything.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	proxied, err := t.Rewrite(req)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	return t.base.RoundTrip(proxied)
}

// Rewrite returns a copy of req that targets a random endpoint. req is not modified.
// The copy shares the body of req.
func (t *Transport) Rewrite(req *http.Request) (*http.Request, error) {
	if req.URL == nil {
		return nil, errors.New("request has no URL")
	}
	endpoints := t.source.Endpoints()
	if len(endpoints) == 0 {
		return nil, ErrEmptyPool
	}
	endpoint := endpoints[t.intN(len(endpoints))]
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint in pool: %w", ErrEmptyPool)
	}

	proxied := req.Clone(req.Context())
	u := *req.URL
	u.Scheme = "https"
	u.Host = endpoint
	u.User = nil
	u.Path = t.stagePrefix + withLeadingSlash(req.URL.Path)
	if req.URL.RawPath != "" {
		u.RawPath = t.stagePrefix + withLeadingSlash(req.URL.RawPath)
	}
	if params, ok := paramsFrom(req.Context()); ok {
		u.RawQuery = mergeQuery(req.URL.Query(), params).Encode()
	}
	proxied.URL = &u
	proxied.Host = endpoint
	if proxied.Header == nil {
		proxied.Header = make(http.Header)
	}
	proxied.Header.Set("Host", endpoint)

	forwardedFor := strings.Join(proxied.Header.Values(xForwardedFor), ", ")
	if forwardedFor == "" {
		forwardedFor = randomIPv4(t.intN)
	}
	proxied.Header.Del(xForwardedFor)
	proxied.Header.Set(t.forwardedForHeader, forwardedFor)
	return proxied, nil
}

func withLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// randomIPv4 returns an address picked uniformly from the whole IPv4 space.
func randomIPv4(intN func(n int) int) string {
	var b [4]byte
	for i := range b {
		b[i] = byte(intN(256))
	}
	return netip.AddrFrom4(b).String()
}

type paramsKey struct{}

// WithParams returns a context that carries query parameters to add to requests made with
// it. On a name collision they replace the parameter from the request URL.
func WithParams(ctx context.Context, params url.Values) context.Context {
	return context.WithValue(ctx, paramsKey{}, params)
}

func paramsFrom(ctx context.Context) (url.Values, bool) {
	params, ok := ctx.Value(paramsKey{}).(url.Values)
	return params, ok && len(params) > 0
}

func mergeQuery(query, params url.Values) url.Values {
	merged := make(url.Values, len(query)+len(params))
	for k, v := range query {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}
