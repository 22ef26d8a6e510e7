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
Package gateway manages a pool of proxy endpoints for a site, one per cloud region.

A [Pool] provisions its endpoints with [Pool.Start] and deletes them with [Pool.Shutdown].
Both fan out over the pool's regions with bounded concurrency. Failures are contained per
region: a region that fails or that the account can't use is counted in the report and
skipped, and the rest of the pool is still usable.

Resources are found by display name, which only depends on the site. Starting a pool for a
site that already has resources reuses them instead of creating duplicates:

	pool, err := gateway.NewPool(apigateway.New(cfg), "https://example.com")
	if err != nil {
		return err
	}
	err = pool.Run(ctx, gateway.StartOptions{}, func(ctx context.Context, pool *gateway.Pool) error {
		client := rotator.Client(pool, nil)
		_, err := client.Get("https://example.com/index.html")
		return err
	})

The cloud resources outlive the process. Use [Pool.Run] or call [Pool.Shutdown] to delete
them.
*/
package gateway
