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

package apigateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Used when the environment doesn't name one. Each call overrides it with its own region.
const fallbackRegion = "us-east-1"

// Credentials selects how to authenticate with AWS.
// With all fields empty, the SDK default chain is used (environment, shared config, IMDS).
type Credentials struct {
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
}

// LoadConfig loads the AWS configuration with the given credentials.
func LoadConfig(ctx context.Context, creds Credentials) (aws.Config, error) {
	if (creds.AccessKeyID == "") != (creds.SecretAccessKey == "") {
		return aws.Config{}, errors.New("access key ID and secret access key must be set together")
	}
	var opts []func(*config.LoadOptions) error
	if creds.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(creds.Profile))
	}
	if creds.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = fallbackRegion
	}
	return cfg, nil
}
