package hyperbolic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/quok-it/benchbot/internal/metrics"
	"github.com/quok-it/benchbot/internal/provider"
	"github.com/quok-it/benchbot/pkg/models"
)

const (
	defaultBaseURL = "https://api.hyperbolic.xyz/v1/marketplace"
	defaultTimeout = 30 * time.Second

	defaultImageName = "nvidia/cuda"
	defaultImageTag  = "12.3.1-devel-ubuntu22.04"
)

// readyStatuses are instance states that accept SSH (compared lowercased)
var readyStatuses = map[string]bool{
	"online": true,
	"ready":  true,
}

// Client implements provider.Marketplace for Hyperbolic
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	image      Image
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption configures the Hyperbolic client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMinInterval sets the minimum interval between requests
func WithMinInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Hyperbolic client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		image:      Image{Name: defaultImageName, Tag: defaultImageTag, Port: 22},
		limiter:    rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return provider.NameHyperbolic
}

// ListAvailable returns ready, unreserved nodes with at least one free GPU
func (c *Client) ListAvailable(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	body, _ := json.Marshal(MarketplaceRequest{Filters: map[string]any{}})

	var result MarketplaceResponse
	// The marketplace listing is public and takes no credentials
	if err := c.doJSON(ctx, http.MethodPost, "", body, false, "ListAvailable", &result); err != nil {
		return nil, provider.Classify(provider.ErrProviderUnavailable, err)
	}

	now := time.Now()
	offers := make([]models.Offer, 0)
	for _, node := range result.Instances {
		if !node.available() {
			continue
		}
		gpu, ok := node.gpu()
		if !ok || !filter.Matches(gpu.Model) {
			continue
		}
		offers = append(offers, models.Offer{
			NodeID:         node.ID,
			ClusterName:    node.ClusterName,
			GPUModel:       gpu.Model,
			GPURAM:         gpu.RAM,
			PricePerHour:   node.Pricing.Price.Amount / 100,
			Region:         node.Location.Region,
			AvailableCount: node.GPUsTotal - node.GPUsReserved,
			FetchedAt:      now,
		})
	}

	return offers, nil
}

// Rent creates an instance on the offer's node
func (c *Client) Rent(ctx context.Context, offer models.Offer, gpuCount int) (*provider.RentalHandle, error) {
	if gpuCount < 1 {
		gpuCount = 1
	}

	body, err := json.Marshal(CreateInstanceRequest{
		ClusterName: offer.ClusterName,
		NodeName:    offer.NodeID,
		GPUCount:    gpuCount,
		Image:       c.image,
	})
	if err != nil {
		return nil, provider.Classify(provider.ErrRentalRejected, fmt.Errorf("failed to marshal request: %w", err))
	}

	respBody, err := c.do(ctx, http.MethodPost, "/instances/create", body, true, "Rent")
	if err != nil {
		return nil, provider.Classify(provider.ErrRentalRejected, err)
	}

	var result CreateInstanceResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, provider.Classify(provider.ErrRentalRejected,
			fmt.Errorf("failed to decode response: %w (body: %s)", err, string(respBody)))
	}
	if result.InstanceName == "" {
		return nil, provider.Classify(provider.ErrRentalRejected,
			fmt.Errorf("hyperbolic Rent returned no instance_name (body: %s)", string(respBody)))
	}

	var raw map[string]any
	_ = json.Unmarshal(respBody, &raw)

	c.logger.Debug("hyperbolic instance created",
		slog.String("instance_name", result.InstanceName),
		slog.String("cluster_name", offer.ClusterName))

	return &provider.RentalHandle{InstanceID: result.InstanceName, Raw: raw}, nil
}

// PollUntilReady lists the caller's instances until the rented one is
// online and carries a usable SSH command
func (c *Client) PollUntilReady(ctx context.Context, handle *provider.RentalHandle, policy provider.PollPolicy) (*provider.InstanceDetails, error) {
	return provider.Poll(ctx, handle.InstanceID, policy, func(ctx context.Context) (*provider.InstanceDetails, string, bool, error) {
		var result UserInstancesResponse
		if err := c.doJSON(ctx, http.MethodGet, "/instances", nil, true, "GetInstance", &result); err != nil {
			c.logger.Debug("hyperbolic status query failed",
				slog.String("instance_id", handle.InstanceID),
				slog.String("error", err.Error()))
			return nil, "", false, err
		}

		inst, found := findInstance(result.Instances, handle.InstanceID)
		if !found {
			c.logger.Debug("hyperbolic instance not listed yet", slog.String("instance_id", handle.InstanceID))
			return nil, "not_found", false, nil
		}

		status := inst.Instance.Status
		c.logger.Debug("hyperbolic poll",
			slog.String("instance_id", handle.InstanceID),
			slog.String("status", status))

		terminateID := inst.ID
		if terminateID == "" {
			terminateID = handle.InstanceID
		}

		// Terminate takes the outer id, so report it even while booting
		if !readyStatuses[strings.ToLower(status)] {
			return &provider.InstanceDetails{InstanceID: terminateID, RawStatus: status}, status, false, nil
		}

		user, host, port, err := ParseSSHCommand(inst.SSHCommand)
		if err != nil {
			return &provider.InstanceDetails{InstanceID: terminateID, RawStatus: status}, status, false, err
		}

		return &provider.InstanceDetails{
			InstanceID: terminateID,
			Host:       host,
			SSHPort:    port,
			SSHUser:    user,
			RawStatus:  status,
		}, status, true, nil
	})
}

// Terminate releases the instance. A 404 means it is already gone.
func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	body, err := json.Marshal(TerminateRequest{ID: instanceID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, err := c.do(ctx, http.MethodPost, "/instances/terminate", body, true, "Terminate"); err != nil {
		if provider.IsNotFoundError(err) {
			c.logger.Debug("hyperbolic instance already gone", slog.String("instance_id", instanceID))
			return nil
		}
		return err
	}
	return nil
}

func findInstance(instances []UserInstance, name string) (UserInstance, bool) {
	for _, inst := range instances {
		if inst.Instance.ID == name {
			return inst, true
		}
	}
	return UserInstance{}, false
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, auth bool, operation string, out any) error {
	respBody, err := c.do(ctx, method, path, body, auth, operation)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		metrics.RecordProviderAPIError(c.Name(), operation)
		return provider.NewProviderError(c.Name(), operation, 0, "failed to decode response: "+err.Error(), provider.ErrInvalidResponse)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, auth bool, operation string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordProviderAPIError(c.Name(), operation)
		return nil, provider.NewProviderError(c.Name(), operation, 0, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.handleError(resp, operation)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, nil
}

// handleError converts HTTP errors to provider errors
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)
	metrics.RecordProviderAPIError(c.Name(), operation)
	return provider.NewProviderError(c.Name(), operation, resp.StatusCode, string(body), provider.StatusError(resp.StatusCode))
}
