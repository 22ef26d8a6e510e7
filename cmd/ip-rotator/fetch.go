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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Ge0rg3/requests-ip-rotator/gateway"
	"github.com/Ge0rg3/requests-ip-rotator/rotator"
	"github.com/spf13/cobra"
	"golang.org/x/net/http/httpguts"
)

type fetchFlags struct {
	method  string
	headers []string
	timeout time.Duration
	keep    bool
}

func newFetchCmd(a *app) *cobra.Command {
	var f fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Send one request through a random endpoint and print the response body",
		Long: `Start the endpoints of the site, send one request through a random one and shut
the endpoints down again. With --keep the endpoints are left running.

With --endpoint, the given endpoints are used instead of starting new ones, and only
they are shut down afterwards.

The URL must belong to the site.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			req, err := newFetchRequest(cmd.Context(), f, args[0])
			if err != nil {
				return err
			}
			if err := checkSameSite(cfg.Site, req); err != nil {
				return err
			}
			pool, err := a.newPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if f.keep {
				if _, err := pool.Start(cmd.Context(), cfg.StartOptions()); err != nil {
					return err
				}
				a.logger.Info("Keeping endpoints", "endpoints", pool.Endpoints())
				return a.fetch(pool, f, req)
			}
			if len(cfg.Endpoints) > 0 {
				return a.fetchAdopted(cmd.Context(), pool, cfg.StartOptions(), f, req)
			}
			return pool.Run(cmd.Context(), cfg.StartOptions(), func(ctx context.Context, pool *gateway.Pool) error {
				return a.fetch(pool, f, req)
			})
		},
	}
	addPoolFlags(cmd, &a.pool)
	cmd.Flags().StringArrayVar(&a.pool.endpoints, "endpoint", nil, "Use this endpoint instead of starting new ones. Only these are shut down afterwards. Can be repeated")
	cmd.Flags().StringVarP(&f.method, "method", "X", http.MethodGet, "The HTTP method to use")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "Header to add, as 'Name: value'. Can be repeated")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
	cmd.Flags().BoolVar(&f.keep, "keep", false, "Leave the endpoints running after the request")
	return cmd
}

func newFetchRequest(ctx context.Context, f fetchFlags, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, f.method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for _, line := range f.headers {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("invalid header %q", line)
		}
		req.Header.Add(name, strings.TrimSpace(value))
	}
	return req, nil
}

// checkSameSite fails if req doesn't target the origin of site. Endpoints only forward to
// their site.
func checkSameSite(site string, req *http.Request) error {
	want, err := origin(site)
	if err != nil {
		return err
	}
	got, err := origin(req.URL.Scheme + "://" + req.URL.Host)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if got != want {
		return fmt.Errorf("URL %v is not on site %v", req.URL, want)
	}
	return nil
}

func origin(rawURL string) (string, error) {
	normalized, err := gateway.NormalizeSite(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// fetchAdopted sends the request through the given endpoints and shuts down only those.
func (a *app) fetchAdopted(ctx context.Context, pool *gateway.Pool, opts gateway.StartOptions, f fetchFlags, req *http.Request) (err error) {
	if _, err := pool.Start(ctx, opts); err != nil {
		return err
	}
	defer func() {
		report, shutdownErr := pool.Shutdown(context.WithoutCancel(ctx), opts.Endpoints)
		if shutdownErr == nil && report.Failed > 0 {
			shutdownErr = fmt.Errorf("failed to delete %d endpoints: %w", report.Failed, errors.Join(report.Errors...))
		}
		err = errors.Join(err, shutdownErr)
	}()
	return a.fetch(pool, f, req)
}

func (a *app) fetch(pool *gateway.Pool, f fetchFlags, req *http.Request) error {
	if len(pool.Endpoints()) == 0 {
		return errors.New("no endpoint could be started")
	}
	client := rotator.Client(pool, a.baseTransport)
	client.Timeout = f.timeout
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	a.logger.Info("Got response", "status", resp.Status)
	if _, err := io.Copy(a.stdout, resp.Body); err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return nil
}
