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
Package regions holds the region lists used to place proxy endpoints.

The lists are fixed tables. Each accessor returns a fresh slice, so callers may
modify the result without affecting other users:

	pool, err := gateway.NewPool(client, site, gateway.WithRegions(regions.Extra()...))

The regions in [All] that are not in [Extra] require a manual opt-in on the
account. Provisioning in them without the opt-in reports the region as
unauthorized rather than failing.
*/
package regions

import (
	"fmt"
	"strings"
)

var defaultRegions = [...]string{
	"us-east-1", "us-east-2", "us-west-1", "us-west-2",
	"eu-west-1", "eu-west-2", "eu-west-3", "eu-north-1",
	"eu-central-1", "ca-central-1",
}

var extraRegions = [...]string{
	"ap-south-1", "ap-northeast-3", "ap-northeast-2",
	"ap-southeast-1", "ap-southeast-2", "ap-northeast-1",
	"sa-east-1",
}

// Regions that need to be enabled on the account before use.
var optInRegions = [...]string{
	"ap-east-1", "af-south-1", "eu-south-1", "me-south-1",
}

// Default returns the regions enabled on every account.
func Default() []string {
	return join(defaultRegions[:])
}

// Extra returns [Default] plus the remaining regions that don't need an opt-in.
func Extra() []string {
	return join(defaultRegions[:], extraRegions[:])
}

// All returns [Extra] plus the opt-in regions.
func All() []string {
	return join(defaultRegions[:], extraRegions[:], optInRegions[:])
}

// Preset returns the region list with the given name: "default", "extra" or "all".
// The name is case-insensitive. An empty name selects the default list.
func Preset(name string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return Default(), nil
	case "extra":
		return Extra(), nil
	case "all":
		return All(), nil
	default:
		return nil, fmt.Errorf("unknown region preset %q", name)
	}
}

// Parse splits a comma-separated region list, dropping blanks and duplicates.
func Parse(list string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, r := range strings.Split(list, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func join(lists ...[]string) []string {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	out := make([]string, 0, n)
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
