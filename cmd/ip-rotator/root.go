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
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Ge0rg3/requests-ip-rotator/cloud"
	"github.com/Ge0rg3/requests-ip-rotator/cloud/apigateway"
	"github.com/Ge0rg3/requests-ip-rotator/config"
	"github.com/Ge0rg3/requests-ip-rotator/gateway"
	"github.com/Ge0rg3/requests-ip-rotator/regions"
	"github.com/spf13/cobra"
)

// app holds the state shared by the commands.
type app struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	// newClient creates the cloud client. Replaced in tests.
	newClient func(ctx context.Context, creds apigateway.Credentials) (cloud.Client, error)
	// baseTransport sends the rewritten requests of fetch. Nil means [http.DefaultTransport].
	baseTransport http.RoundTripper

	verbose    bool
	configPath string
	pool       poolFlags
}

// poolFlags override the values of the config file.
type poolFlags struct {
	site         string
	regions      string
	preset       string
	force        bool
	manualDelete bool
	endpoints    []string
	concurrency  int
	profile      string
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		logger:    newLogger(false, stderr),
		newClient: newAWSClient,
	}
}

func newAWSClient(ctx context.Context, creds apigateway.Credentials) (cloud.Client, error) {
	cfg, err := apigateway.LoadConfig(ctx, creds)
	if err != nil {
		return nil, err
	}
	return apigateway.New(cfg), nil
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ip-rotator",
		Short: "Rotate the source IP of HTTP requests through AWS API Gateway",
		Long: `ip-rotator creates an API Gateway endpoint for a site in each region and sends
requests through a random one, so every request may leave from a different address.

Endpoints are billed by AWS while they exist. Shut them down when you are done.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger = newLogger(a.verbose, a.stderr)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML or TOML config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newStartCmd(a),
		newShutdownCmd(a),
		newFetchCmd(a),
		newRegionsCmd(a),
	)
	return rootCmd
}

// addPoolFlags registers the flags that select the site, regions and credentials.
func addPoolFlags(cmd *cobra.Command, f *poolFlags) {
	cmd.Flags().StringVar(&f.site, "site", "", "Site to proxy, like https://example.com")
	cmd.Flags().StringVar(&f.regions, "regions", "", "Comma-separated regions. Overrides --preset")
	cmd.Flags().StringVar(&f.preset, "preset", "", "Region preset: default, extra or all")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, fmt.Sprintf("Regions worked on at once (default %d)", gateway.DefaultConcurrency))
	cmd.Flags().StringVar(&f.profile, "profile", "", "AWS shared config profile")
}

// loadConfig reads the config file, if any, and applies the flags set on cmd.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("site") {
		cfg.Site = a.pool.site
	}
	if flags.Changed("preset") {
		cfg.RegionPreset = a.pool.preset
		cfg.Regions = nil
	}
	if flags.Changed("regions") {
		cfg.Regions = regions.Parse(a.pool.regions)
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = a.pool.concurrency
	}
	if flags.Changed("profile") {
		cfg.AWS.Profile = a.pool.profile
	}
	if flags.Changed("force") {
		cfg.Force = a.pool.force
	}
	if flags.Changed("manual-delete") {
		cfg.RequireManualDeletion = a.pool.manualDelete
	}
	if flags.Changed("endpoint") {
		cfg.Endpoints = a.pool.endpoints
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newPool builds the pool described by the config.
func (a *app) newPool(ctx context.Context, cfg *config.Config) (*gateway.Pool, error) {
	client, err := a.newClient(ctx, cfg.Credentials())
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud client: %w", err)
	}
	opts, err := cfg.PoolOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, gateway.WithLogger(a.logger))
	return gateway.NewPool(client, cfg.Site, opts...)
}

func (a *app) printEndpoints(endpoints []string) {
	for _, ep := range endpoints {
		fmt.Fprintln(a.stdout, ep)
	}
}
