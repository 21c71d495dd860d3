/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"

	orcherrors "github.com/renderloop/gpu-orchestrator/pkg/errors"
)

const DefaultEndpoint = "https://api.runpod.io/graphql"

// podFields is the selection set shared by every operation that returns pods.
const podFields = `{ id name desiredStatus imageName costPerHr runtime { uptimeInSeconds sshPassword ports { ip isIpPublic privatePort publicPort type } } }`

// Client talks to the RunPod GraphQL endpoint. Endpoint and HTTPClient are
// exported so tests can point the client at a local server.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
	// RetryDelay is the base delay between attempts on transient failures.
	RetryDelay time.Duration

	apiKey string
}

func NewClient(apiKey string, timeout time.Duration) *Client {
	return &Client{
		Endpoint:   DefaultEndpoint,
		HTTPClient: &http.Client{Timeout: timeout},
		RetryDelay: 1 * time.Second,
		apiKey:     apiKey,
	}
}

func (c *Client) CreatePod(ctx context.Context, input *CreatePodInput) (*Pod, error) {
	out := struct {
		Pod *Pod `json:"podFindAndDeployOnDemand"`
	}{}
	if err := c.do(ctx, "creating pod", createPodDocument(input), &out); err != nil {
		return nil, err
	}
	if out.Pod == nil {
		// The API occasionally acks a deploy without allocating; callers
		// treat this the same as a stock-out.
		return nil, orcherrors.NewCloudError(orcherrors.CloudQuota, "creating pod", "no pod allocated", nil)
	}
	return out.Pod, nil
}

func (c *Client) TerminatePod(ctx context.Context, podID string) error {
	doc := fmt.Sprintf("mutation { podTerminate(input: {podId: %s}) }", quote(podID))
	return c.do(ctx, "terminating pod", doc, nil)
}

func (c *Client) GetPod(ctx context.Context, podID string) (*Pod, error) {
	doc := fmt.Sprintf("query { pod(input: {podId: %s}) %s }", quote(podID), podFields)
	out := struct {
		Pod *Pod `json:"pod"`
	}{}
	if err := c.do(ctx, "getting pod", doc, &out); err != nil {
		return nil, err
	}
	if out.Pod == nil {
		return nil, orcherrors.NewCloudError(orcherrors.CloudNotFound, "getting pod", podID, nil)
	}
	return out.Pod, nil
}

func (c *Client) ListPods(ctx context.Context) ([]*Pod, error) {
	doc := fmt.Sprintf("query { myself { pods %s } }", podFields)
	out := struct {
		Myself struct {
			Pods []*Pod `json:"pods"`
		} `json:"myself"`
	}{}
	if err := c.do(ctx, "listing pods", doc, &out); err != nil {
		return nil, err
	}
	return out.Myself.Pods, nil
}

func (c *Client) ListGPUTypes(ctx context.Context) ([]GPUType, error) {
	doc := "query { gpuTypes { id displayName memoryInGb secureCloud } }"
	out := struct {
		GPUTypes []GPUType `json:"gpuTypes"`
	}{}
	if err := c.do(ctx, "listing gpu types", doc, &out); err != nil {
		return nil, err
	}
	return out.GPUTypes, nil
}

func (c *Client) ListNetworkVolumes(ctx context.Context) ([]NetworkVolume, error) {
	doc := "query { myself { networkVolumes { id name size dataCenterId } } }"
	out := struct {
		Myself struct {
			NetworkVolumes []NetworkVolume `json:"networkVolumes"`
		} `json:"myself"`
	}{}
	if err := c.do(ctx, "listing network volumes", doc, &out); err != nil {
		return nil, err
	}
	return out.Myself.NetworkVolumes, nil
}

func createPodDocument(input *CreatePodInput) string {
	fields := []string{
		fmt.Sprintf("name: %s", quote(input.Name)),
		fmt.Sprintf("imageName: %s", quote(input.ImageName)),
		fmt.Sprintf("gpuTypeId: %s", quote(input.GPUTypeID)),
		fmt.Sprintf("gpuCount: %d", input.GPUCount),
		// cloudType is a GraphQL enum and must not be quoted.
		fmt.Sprintf("cloudType: %s", input.CloudType),
		fmt.Sprintf("volumeInGb: %d", input.VolumeInGB),
		fmt.Sprintf("containerDiskInGb: %d", input.ContainerDiskInGB),
		fmt.Sprintf("ports: %s", quote(input.Ports)),
	}
	if input.NetworkVolumeID != "" {
		fields = append(fields,
			fmt.Sprintf("networkVolumeId: %s", quote(input.NetworkVolumeID)),
			fmt.Sprintf("volumeMountPath: %s", quote(input.VolumeMountPath)),
		)
	}
	if len(input.Env) > 0 {
		keys := lo.Keys(input.Env)
		sort.Strings(keys)
		items := lo.Map(keys, func(k string, _ int) string {
			return fmt.Sprintf("{key: %s, value: %s}", quote(k), quote(input.Env[k]))
		})
		fields = append(fields, fmt.Sprintf("env: [%s]", strings.Join(items, ", ")))
	}
	return fmt.Sprintf("mutation { podFindAndDeployOnDemand(input: {%s}) %s }", strings.Join(fields, ", "), podFields)
}

// quote renders s as a GraphQL string literal. JSON string escaping is a
// subset of what GraphQL accepts.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

func (c *Client) do(ctx context.Context, op string, doc string, out interface{}) error {
	return retry.Do(func() error {
		return c.roundTrip(ctx, op, doc, out)
	},
		retry.Context(ctx),
		retry.RetryIf(orcherrors.IsTransient),
		retry.Attempts(3),
		retry.Delay(c.RetryDelay),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) roundTrip(ctx context.Context, op string, doc string, out interface{}) error {
	body, err := json.Marshal(map[string]string{"query": doc})
	if err != nil {
		return fmt.Errorf("encoding request, %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request, %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	q := req.URL.Query()
	q.Set("api_key", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return orcherrors.NewCloudError(orcherrors.CloudTransient, op, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return orcherrors.NewCloudError(orcherrors.CloudAuth, op, "api key rejected", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return orcherrors.NewCloudError(orcherrors.CloudTransient, op, fmt.Sprintf("status %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return orcherrors.NewCloudError(orcherrors.CloudFatal, op, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	var envelope graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return orcherrors.NewCloudError(orcherrors.CloudTransient, op, "decoding response", err)
	}
	if len(envelope.Errors) > 0 {
		return classify(op, envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return orcherrors.NewCloudError(orcherrors.CloudFatal, op, "decoding data", err)
		}
	}
	return nil
}

// classify maps GraphQL error messages onto cloud error kinds. RunPod does
// not return machine-readable codes, so this keys off message fragments
// observed in production.
func classify(op string, message string) error {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"):
		return orcherrors.NewCloudError(orcherrors.CloudNotFound, op, message, nil)
	case strings.Contains(msg, "no longer any instances available") ||
		strings.Contains(msg, "insufficient capacity") ||
		strings.Contains(msg, "out of stock") ||
		strings.Contains(msg, "disk space"):
		return orcherrors.NewCloudError(orcherrors.CloudQuota, op, message, nil)
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "permission"):
		return orcherrors.NewCloudError(orcherrors.CloudAuth, op, message, nil)
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporarily"):
		return orcherrors.NewCloudError(orcherrors.CloudTransient, op, message, nil)
	default:
		return orcherrors.NewCloudError(orcherrors.CloudFatal, op, message, nil)
	}
}
