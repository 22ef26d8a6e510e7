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
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Ge0rg3/requests-ip-rotator/cloud"
	"github.com/Ge0rg3/requests-ip-rotator/cloud/apigateway"
	"github.com/Ge0rg3/requests-ip-rotator/gateway"
	"github.com/Ge0rg3/requests-ip-rotator/internal/fakecloud"
	"github.com/Ge0rg3/requests-ip-rotator/regions"
	"github.com/stretchr/testify/require"
)

const testSite = "https://example.com"

var testName = gateway.APIName(testSite)

type recordingTransport struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.reqs = append(rt.reqs, req)
	rt.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("hello from " + req.URL.Host)),
		Request:    req,
	}, nil
}

type testEnv struct {
	cloud     *fakecloud.Client
	transport *recordingTransport
	creds     []apigateway.Credentials
}

// run executes the command line with a fresh command tree and returns its stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.newClient = func(ctx context.Context, creds apigateway.Credentials) (cloud.Client, error) {
		e.creds = append(e.creds, creds)
		return e.cloud, nil
	}
	a.baseTransport = e.transport
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func newTestEnv() *testEnv {
	return &testEnv{cloud: fakecloud.New(), transport: &recordingTransport{}}
}

func lines(s string) []string {
	return strings.Fields(s)
}

func TestRegions(t *testing.T) {
	env := newTestEnv()
	out, err := env.run(t, "regions")
	require.NoError(t, err)
	require.Equal(t, regions.Default(), lines(out))

	out, err = env.run(t, "regions", "all")
	require.NoError(t, err)
	require.Equal(t, regions.All(), lines(out))

	_, err = env.run(t, "regions", "moon")
	require.Error(t, err)
}

func TestStart(t *testing.T) {
	env := newTestEnv()
	out, err := env.run(t, "start", "--site", testSite, "--regions", "us-east-1,eu-west-1")
	require.NoError(t, err)
	require.Len(t, lines(out), 2)
	require.Equal(t, 2, env.cloud.Count(testName))

	// A second start reuses the endpoints.
	again, err := env.run(t, "start", "--site", testSite, "--regions", "eu-west-1,us-east-1")
	require.NoError(t, err)
	require.ElementsMatch(t, lines(out), lines(again))
	require.Equal(t, 2, env.cloud.Count(testName))
}

func TestStart_ManualDelete(t *testing.T) {
	env := newTestEnv()
	_, err := env.run(t, "start", "--site", testSite, "--regions", "us-east-1", "--manual-delete")
	require.NoError(t, err)

	_, err = env.run(t, "shutdown", "--site", testSite, "--regions", "us-east-1")
	require.NoError(t, err)
	require.Equal(t, 1, env.cloud.Count(testName))
}

func TestStart_NoSite(t *testing.T) {
	env := newTestEnv()
	_, err := env.run(t, "start", "--regions", "us-east-1")
	require.ErrorContains(t, err, "site")
	require.Zero(t, env.cloud.Calls(fakecloud.OpList, "us-east-1"))
}

func TestStart_AllRegionsFail(t *testing.T) {
	env := newTestEnv()
	env.cloud.FailAlways(fakecloud.OpList, "us-east-1", cloud.ErrUnauthorizedRegion)
	_, err := env.run(t, "start", "--site", testSite, "--regions", "us-east-1")
	require.Error(t, err)
}

func TestShutdown(t *testing.T) {
	env := newTestEnv()
	kept := env.cloud.Add("us-east-1", "https://other.example - IP Rotate API")
	_, err := env.run(t, "start", "--site", testSite, "--regions", "us-east-1,eu-west-1")
	require.NoError(t, err)

	out, err := env.run(t, "shutdown", "--site", testSite, "--regions", "us-east-1,eu-west-1")
	require.NoError(t, err)
	require.Len(t, lines(out), 2)
	require.Zero(t, env.cloud.Count(testName))
	require.Equal(t, []cloud.Resource{kept}, env.cloud.Resources("us-east-1"))
}

func TestShutdown_Endpoint(t *testing.T) {
	env := newTestEnv()
	out, err := env.run(t, "start", "--site", testSite, "--regions", "us-east-1,eu-west-1")
	require.NoError(t, err)
	endpoints := lines(out)
	require.Len(t, endpoints, 2)

	_, err = env.run(t, "shutdown", "--site", testSite, "--regions", "us-east-1,eu-west-1", "--endpoint", endpoints[0])
	require.NoError(t, err)
	require.Equal(t, 1, env.cloud.Count(testName))
}

func TestShutdown_Failure(t *testing.T) {
	env := newTestEnv()
	env.cloud.Add("us-east-1", testName)
	env.cloud.FailAlways(fakecloud.OpDelete, "us-east-1", cloud.ErrUnauthorizedRegion)
	_, err := env.run(t, "shutdown", "--site", testSite, "--regions", "us-east-1")
	require.Error(t, err)
}

func TestFetch(t *testing.T) {
	env := newTestEnv()
	out, err := env.run(t, "fetch", "--site", testSite, "--regions", "us-east-1",
		"-X", http.MethodPost, "-H", "X-Test: yes", "https://example.com/items?page=2")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "hello from "))

	require.Len(t, env.transport.reqs, 1)
	req := env.transport.reqs[0]
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "/ProxyStage/items", req.URL.Path)
	require.Equal(t, "page=2", req.URL.RawQuery)
	require.Equal(t, "yes", req.Header.Get("X-Test"))
	require.True(t, strings.HasSuffix(req.URL.Host, ".execute-api.us-east-1.amazonaws.com"))

	// The endpoints are gone after the request.
	require.Zero(t, env.cloud.Count(testName))
}

func TestFetch_Keep(t *testing.T) {
	env := newTestEnv()
	_, err := env.run(t, "fetch", "--site", testSite, "--regions", "us-east-1", "--keep", "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, 1, env.cloud.Count(testName))
}

func TestFetch_EndpointOnlyShutsDownGiven(t *testing.T) {
	env := newTestEnv()
	out, err := env.run(t, "start", "--site", testSite, "--regions", "us-east-1,eu-west-1")
	require.NoError(t, err)
	endpoints := lines(out)
	require.Len(t, endpoints, 2)

	_, err = env.run(t, "fetch", "--site", testSite, "--regions", "us-east-1,eu-west-1",
		"--endpoint", endpoints[0], "https://example.com/")
	require.NoError(t, err)
	require.Len(t, env.transport.reqs, 1)
	require.Equal(t, endpoints[0], env.transport.reqs[0].URL.Host)
	var remaining []string
	for _, region := range []string{"us-east-1", "eu-west-1"} {
		for _, r := range env.cloud.Resources(region) {
			remaining = append(remaining, r.Hostname)
		}
	}
	require.Equal(t, []string{endpoints[1]}, remaining)
}

func TestFetch_OtherSite(t *testing.T) {
	env := newTestEnv()
	_, err := env.run(t, "fetch", "--site", testSite, "--regions", "us-east-1", "https://example.org/")
	require.ErrorContains(t, err, "not on site")
	require.Zero(t, env.cloud.Calls(fakecloud.OpList, "us-east-1"))
	require.Empty(t, env.transport.reqs)
}

func TestFetch_InvalidHeader(t *testing.T) {
	env := newTestEnv()
	_, err := env.run(t, "fetch", "--site", testSite, "-H", "no colon", "https://example.com/")
	require.ErrorContains(t, err, "invalid header")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
site: https://example.org
regions: [us-east-1, eu-west-1]
aws:
  profile: scraping
`), 0o600))

	env := newTestEnv()
	// Flags override the file.
	out, err := env.run(t, "start", "--config", path, "--site", testSite, "--regions", "ap-south-1")
	require.NoError(t, err)
	require.Len(t, lines(out), 1)
	require.Len(t, env.cloud.Resources("ap-south-1"), 1)
	require.Empty(t, env.cloud.Resources("us-east-1"))
	require.Equal(t, "scraping", env.creds[0].Profile)

	out, err = env.run(t, "start", "--config", path)
	require.NoError(t, err)
	require.Len(t, lines(out), 2)
	require.Equal(t, 2, env.cloud.Count(gateway.APIName("https://example.org")))
}
