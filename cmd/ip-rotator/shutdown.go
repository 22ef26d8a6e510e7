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
	"fmt"

	"github.com/spf13/cobra"
)

func newShutdownCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Delete the endpoints of a site",
		Long: `Delete the endpoints of a site in every selected region.

Only endpoints created without --manual-delete are deleted. With --endpoint, only the
given hostnames are deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			pool, err := a.newPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			var only []string
			if len(cfg.Endpoints) > 0 {
				only = cfg.Endpoints
			}
			report, err := pool.Shutdown(cmd.Context(), only)
			if err != nil {
				return err
			}
			for _, id := range report.Deleted {
				fmt.Fprintln(a.stdout, id)
			}
			if report.Failed > 0 {
				return fmt.Errorf("failed to delete %d endpoints: %w", report.Failed, errors.Join(report.Errors...))
			}
			return nil
		},
	}
	addPoolFlags(cmd, &a.pool)
	cmd.Flags().StringArrayVar(&a.pool.endpoints, "endpoint", nil, "Endpoint hostname to delete. Can be repeated")
	return cmd
}
