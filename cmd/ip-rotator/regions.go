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
	"fmt"

	"github.com/Ge0rg3/requests-ip-rotator/regions"
	"github.com/spf13/cobra"
)

func newRegionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "regions [default|extra|all]",
		Short:     "List the regions of a preset",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"default", "extra", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var preset string
			if len(args) > 0 {
				preset = args[0]
			}
			list, err := regions.Preset(preset)
			if err != nil {
				return err
			}
			for _, region := range list {
				fmt.Fprintln(a.stdout, region)
			}
			return nil
		},
	}
}
