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
	"golang.org/x/sync/errgroup"
)

// fanOut runs work once per region with at most limit calls in flight, and calls collect
// with each result in completion order. collect always runs on the calling goroutine, so
// it may update state without locking. fanOut returns after every call has finished.
func fanOut[R any](regions []string, limit int, work func(region string) R, collect func(R)) {
	// Buffered so workers never block on a slow collector.
	resultCh := make(chan R, len(regions))
	var group errgroup.Group
	if limit > 0 {
		group.SetLimit(limit)
	}
	go func() {
		for _, region := range regions {
			group.Go(func() error {
				resultCh <- work(region)
				return nil
			})
		}
		group.Wait()
		close(resultCh)
	}()
	for result := range resultCh {
		collect(result)
	}
}
