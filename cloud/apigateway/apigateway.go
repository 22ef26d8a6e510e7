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
Package apigateway implements [cloud.Client] on top of AWS API Gateway REST APIs.

Each proxying resource is a regional REST API with a catch-all {proxy+} resource. Both
the root and the catch-all resource accept ANY method and forward it as an HTTP_PROXY
integration to the site. The header named by [cloud.ResourceSpec.ForwardedForHeader] is
mapped onto X-Forwarded-For on the integration request, since API Gateway overwrites the
X-Forwarded-For sent by the client.

Region-scoped SDK clients are created lazily from a single [aws.Config]:

	cfg, err := apigateway.LoadConfig(ctx, apigateway.Credentials{Profile: "default"})
	if err != nil {
		return err
	}
	client := apigateway.New(cfg)
*/
package apigateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Ge0rg3/requests-ip-rotator/cloud"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigateway"
	"github.com/aws/aws-sdk-go-v2/service/apigateway/types"
	"github.com/aws/smithy-go"
)

// Provider error codes with a special meaning.
const (
	codeUnrecognizedClient = "UnrecognizedClientException"
	codeTooManyRequests    = "TooManyRequestsException"
)

// Listing page size. 500 is the API Gateway maximum.
const pageLimit int32 = 500

// API is the subset of the API Gateway SDK client used by [Client].
type API interface {
	GetRestApis(ctx context.Context, params *apigateway.GetRestApisInput, optFns ...func(*apigateway.Options)) (*apigateway.GetRestApisOutput, error)
	CreateRestApi(ctx context.Context, params *apigateway.CreateRestApiInput, optFns ...func(*apigateway.Options)) (*apigateway.CreateRestApiOutput, error)
	GetResources(ctx context.Context, params *apigateway.GetResourcesInput, optFns ...func(*apigateway.Options)) (*apigateway.GetResourcesOutput, error)
	CreateResource(ctx context.Context, params *apigateway.CreateResourceInput, optFns ...func(*apigateway.Options)) (*apigateway.CreateResourceOutput, error)
	PutMethod(ctx context.Context, params *apigateway.PutMethodInput, optFns ...func(*apigateway.Options)) (*apigateway.PutMethodOutput, error)
	PutIntegration(ctx context.Context, params *apigateway.PutIntegrationInput, optFns ...func(*apigateway.Options)) (*apigateway.PutIntegrationOutput, error)
	CreateDeployment(ctx context.Context, params *apigateway.CreateDeploymentInput, optFns ...func(*apigateway.Options)) (*apigateway.CreateDeploymentOutput, error)
	DeleteRestApi(ctx context.Context, params *apigateway.DeleteRestApiInput, optFns ...func(*apigateway.Options)) (*apigateway.DeleteRestApiOutput, error)
}

var _ API = (*apigateway.Client)(nil)

// Client is a [cloud.Client] backed by API Gateway.
type Client struct {
	newAPI func(region string) API

	mu   sync.Mutex
	apis map[string]API
}

var _ cloud.Client = (*Client)(nil)

// New creates a [Client] that builds one SDK client per region from cfg.
func New(cfg aws.Config) *Client {
	return NewWithFactory(func(region string) API {
		return apigateway.NewFromConfig(cfg, func(o *apigateway.Options) {
			o.Region = region
		})
	})
}

// NewWithFactory creates a [Client] that uses newAPI to get the SDK client for a region.
// newAPI is called at most once per region.
func NewWithFactory(newAPI func(region string) API) *Client {
	return &Client{newAPI: newAPI, apis: make(map[string]API)}
}

func (c *Client) api(region string) API {
	c.mu.Lock()
	defer c.mu.Unlock()
	api, ok := c.apis[region]
	if !ok {
		api = c.newAPI(region)
		c.apis[region] = api
	}
	return api
}

// Hostname returns the public hostname of the REST API with the given ID.
func Hostname(id, region string) string {
	return fmt.Sprintf("%v.execute-api.%v.amazonaws.com", id, region)
}

func (c *Client) ListResources(ctx context.Context, region string, token string) (cloud.Page, error) {
	input := &apigateway.GetRestApisInput{Limit: aws.Int32(pageLimit)}
	if token != "" {
		input.Position = aws.String(token)
	}
	out, err := c.api(region).GetRestApis(ctx, input)
	if err != nil {
		return cloud.Page{}, wrapError("list", region, err)
	}
	page := cloud.Page{
		Resources: make([]cloud.Resource, 0, len(out.Items)),
		NextToken: aws.ToString(out.Position),
	}
	for _, item := range out.Items {
		id := aws.ToString(item.Id)
		page.Resources = append(page.Resources, cloud.Resource{
			ID:       id,
			Name:     aws.ToString(item.Name),
			Region:   region,
			Hostname: Hostname(id, region),
		})
	}
	return page, nil
}

// CreateResource creates and deploys a REST API for spec. If any step after the REST API
// exists fails, the REST API is deleted again.
func (c *Client) CreateResource(ctx context.Context, region string, spec cloud.ResourceSpec) (cloud.Resource, error) {
	api := c.api(region)
	created, err := api.CreateRestApi(ctx, &apigateway.CreateRestApiInput{
		Name: aws.String(spec.Name),
		EndpointConfiguration: &types.EndpointConfiguration{
			Types: []types.EndpointType{types.EndpointTypeRegional},
		},
	})
	if err != nil {
		return cloud.Resource{}, wrapError("create", region, err)
	}
	apiID := aws.ToString(created.Id)
	resource := cloud.Resource{ID: apiID, Name: spec.Name, Region: region, Hostname: Hostname(apiID, region)}

	if err := configureProxy(ctx, api, apiID, spec); err != nil {
		// An undeployed API would be found by name and used as a live endpoint.
		_, deleteErr := api.DeleteRestApi(context.WithoutCancel(ctx), &apigateway.DeleteRestApiInput{RestApiId: aws.String(apiID)})
		if deleteErr != nil {
			err = errors.Join(err, fmt.Errorf("delete incomplete REST API %v: %w", apiID, deleteErr))
		}
		return cloud.Resource{}, wrapError("create", region, err)
	}
	return resource, nil
}

// configureProxy adds the proxy routes to a new REST API and deploys it.
func configureProxy(ctx context.Context, api API, apiID string, spec cloud.ResourceSpec) error {
	// A new REST API comes with only the root resource.
	resources, err := api.GetResources(ctx, &apigateway.GetResourcesInput{RestApiId: aws.String(apiID)})
	if err != nil {
		return fmt.Errorf("get resources: %w", err)
	}
	if len(resources.Items) == 0 {
		return errors.New("REST API has no root resource")
	}
	rootID := aws.ToString(resources.Items[0].Id)

	proxy, err := api.CreateResource(ctx, &apigateway.CreateResourceInput{
		RestApiId: aws.String(apiID),
		ParentId:  aws.String(rootID),
		PathPart:  aws.String("{proxy+}"),
	})
	if err != nil {
		return fmt.Errorf("create proxy resource: %w", err)
	}

	routes := []struct {
		resourceID string
		uri        string
	}{
		{rootID, spec.Site},
		{aws.ToString(proxy.Id), spec.Site + "/{proxy}"},
	}
	for _, route := range routes {
		if err := putProxyRoute(ctx, api, apiID, route.resourceID, route.uri, spec.ForwardedForHeader); err != nil {
			return err
		}
	}

	_, err = api.CreateDeployment(ctx, &apigateway.CreateDeploymentInput{
		RestApiId: aws.String(apiID),
		StageName: aws.String(spec.StageName),
	})
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

// putProxyRoute makes the resource accept any method and forward it to uri.
func putProxyRoute(ctx context.Context, api API, apiID, resourceID, uri, forwardedForHeader string) error {
	methodParams := map[string]bool{
		"method.request.path.proxy": true,
	}
	integrationParams := map[string]string{
		"integration.request.path.proxy": "method.request.path.proxy",
	}
	if forwardedForHeader != "" {
		methodParams["method.request.header."+forwardedForHeader] = true
		integrationParams["integration.request.header.X-Forwarded-For"] = "method.request.header." + forwardedForHeader
	}
	_, err := api.PutMethod(ctx, &apigateway.PutMethodInput{
		RestApiId:         aws.String(apiID),
		ResourceId:        aws.String(resourceID),
		HttpMethod:        aws.String("ANY"),
		AuthorizationType: aws.String("NONE"),
		RequestParameters: methodParams,
	})
	if err != nil {
		return fmt.Errorf("put method: %w", err)
	}
	_, err = api.PutIntegration(ctx, &apigateway.PutIntegrationInput{
		RestApiId:             aws.String(apiID),
		ResourceId:            aws.String(resourceID),
		Type:                  types.IntegrationTypeHttpProxy,
		HttpMethod:            aws.String("ANY"),
		IntegrationHttpMethod: aws.String("ANY"),
		Uri:                   aws.String(uri),
		ConnectionType:        types.ConnectionTypeInternet,
		RequestParameters:     integrationParams,
	})
	if err != nil {
		return fmt.Errorf("put integration: %w", err)
	}
	return nil
}

func (c *Client) DeleteResource(ctx context.Context, region string, id string) error {
	_, err := c.api(region).DeleteRestApi(ctx, &apigateway.DeleteRestApiInput{RestApiId: aws.String(id)})
	if err != nil {
		return wrapError("delete", region, err)
	}
	return nil
}

// wrapError converts an SDK error into a [*cloud.ProviderError], tagging the known kinds.
func wrapError(op, region string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &cloud.ProviderError{Op: op, Region: region, Err: err}
	}
	code := apiErr.ErrorCode()
	switch code {
	case codeUnrecognizedClient:
		err = fmt.Errorf("%w: %w", cloud.ErrUnauthorizedRegion, err)
	case codeTooManyRequests:
		err = fmt.Errorf("%w: %w", cloud.ErrRateLimited, err)
	}
	return &cloud.ProviderError{Op: op, Region: region, Code: code, Err: err}
}
