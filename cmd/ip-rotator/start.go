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
	"errors"

	"github.com/spf13/cobra"
)

func newStartCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create or reuse an endpoint in each region and print their hostnames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			pool, err := a.newPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			report, err := pool.Start(cmd.Context(), cfg.StartOptions())
			if err != nil {
				return err
			}
			if len(report.Endpoints) == 0 {
				return errors.New("no endpoint could be started")
			}
			a.printEndpoints(report.Endpoints)
			return nil
		},
	}
	addPoolFlags(cmd, &a.pool)
	cmd.Flags().BoolVar(&a.pool.force, "force", false, "Create new endpoints even if some exist")
	cmd.Flags().BoolVar(&a.pool.manualDelete, "manual-delete", false, "Create endpoints that shutdown won't delete")
	return cmd
}
