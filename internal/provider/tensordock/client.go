package tensordock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quok-it/benchbot/internal/metrics"
	"github.com/quok-it/benchbot/internal/provider"
	"github.com/quok-it/benchbot/pkg/models"
)

const (
	defaultBaseURL   = "https://dashboard.tensordock.com/api/v2"
	defaultTimeout   = 30 * time.Second
	defaultImageName = "ubuntu2404"

	defaultVCPUs     = 8
	defaultRAMGb     = 32
	defaultStorageGb = 100

	// External port requested for SSH; TensorDock assigns another if taken
	requestedSSHPort = 20000

	// SSHUser is the login user on TensorDock Ubuntu images
	SSHUser = "ubuntu"
)

// driverPackages are installed by cloud-init so nvidia-smi is available
var driverPackages = []string{"nvidia-driver-535", "nvidia-utils-535"}

// Client implements provider.Marketplace for TensorDock
type Client struct {
	apiToken     string
	baseURL      string
	httpClient   *http.Client
	image        string
	sshPublicKey string
	vcpus        int
	ramGb        int
	storageGb    int
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// ClientOption configures the TensorDock client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
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

// WithImage sets the OS image for instances
func WithImage(image string) ClientOption {
	return func(c *Client) {
		if image != "" {
			c.image = image
		}
	}
}

// WithSSHPublicKey sets the key installed on rented instances
func WithSSHPublicKey(key string) ClientOption {
	return func(c *Client) {
		c.sshPublicKey = key
	}
}

// WithResources sets the requested vCPU, RAM and storage ceilings.
// Zero values keep the defaults.
func WithResources(vcpus, ramGb, storageGb int) ClientOption {
	return func(c *Client) {
		if vcpus > 0 {
			c.vcpus = vcpus
		}
		if ramGb > 0 {
			c.ramGb = ramGb
		}
		if storageGb > 0 {
			c.storageGb = storageGb
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new TensorDock client
func NewClient(apiToken string, opts ...ClientOption) *Client {
	c := &Client{
		apiToken:   apiToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		image:      defaultImageName,
		vcpus:      defaultVCPUs,
		ramGb:      defaultRAMGb,
		storageGb:  defaultStorageGb,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return provider.NameTensorDock
}

// ListAvailable returns GPUs with free capacity across all hostnodes
func (c *Client) ListAvailable(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	var result HostnodesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/hostnodes", nil, "ListAvailable", &result); err != nil {
		return nil, provider.Classify(provider.ErrProviderUnavailable, err)
	}

	now := time.Now()
	offers := make([]models.Offer, 0)
	for _, node := range result.Data.Hostnodes {
		for _, gpu := range node.AvailableResources.GPUs {
			if gpu.AvailableCount <= 0 || gpu.V0Name == "" {
				continue
			}
			if !filter.Matches(gpu.V0Name) {
				continue
			}
			offers = append(offers, hostnodeGPUToOffer(node, gpu, now))
		}
	}

	return offers, nil
}

// Rent provisions a VM on the offer's hostnode
func (c *Client) Rent(ctx context.Context, offer models.Offer, gpuCount int) (*provider.RentalHandle, error) {
	if gpuCount < 1 {
		gpuCount = 1
	}

	createReq := c.buildCreateRequest(offer, gpuCount)
	body, err := json.Marshal(createReq)
	if err != nil {
		return nil, provider.Classify(provider.ErrRentalRejected, fmt.Errorf("failed to marshal request: %w", err))
	}

	respBody, err := c.do(ctx, http.MethodPost, "/instances", body, "Rent", http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, provider.Classify(provider.ErrRentalRejected, err)
	}

	// TensorDock sometimes returns HTTP 200 with an error in the body
	var errResp errorBody
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Status >= 400 {
		metrics.RecordProviderAPIError(c.Name(), "Rent")
		return nil, provider.Classify(provider.ErrRentalRejected,
			provider.NewProviderError(c.Name(), "Rent", errResp.Status, errResp.Error, provider.StatusError(errResp.Status)))
	}

	var result CreateInstanceResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, provider.Classify(provider.ErrRentalRejected,
			fmt.Errorf("failed to decode response: %w (body: %s)", err, string(respBody)))
	}
	if result.Data.ID == "" {
		return nil, provider.Classify(provider.ErrRentalRejected,
			fmt.Errorf("tensordock Rent returned empty instance ID (body: %s)", string(respBody)))
	}

	var raw map[string]any
	_ = json.Unmarshal(respBody, &raw)

	c.logger.Debug("tensordock instance created",
		slog.String("instance_id", result.Data.ID),
		slog.String("hostnode_id", offer.NodeID))

	return &provider.RentalHandle{InstanceID: result.Data.ID, Raw: raw}, nil
}

// PollUntilReady waits for the instance to report "running" with an address
func (c *Client) PollUntilReady(ctx context.Context, handle *provider.RentalHandle, policy provider.PollPolicy) (*provider.InstanceDetails, error) {
	return provider.Poll(ctx, handle.InstanceID, policy, func(ctx context.Context) (*provider.InstanceDetails, string, bool, error) {
		inst, err := c.getInstance(ctx, handle.InstanceID)
		if err != nil {
			c.logger.Debug("tensordock status query failed",
				slog.String("instance_id", handle.InstanceID),
				slog.String("error", err.Error()))
			return nil, "", false, err
		}

		status := inst.state()
		c.logger.Debug("tensordock poll",
			slog.String("instance_id", handle.InstanceID),
			slog.String("status", status))

		if !inst.running() || inst.host() == "" {
			return nil, status, false, nil
		}

		return &provider.InstanceDetails{
			InstanceID: handle.InstanceID,
			Host:       inst.host(),
			SSHPort:    inst.sshPort(),
			SSHUser:    SSHUser,
			RawStatus:  status,
		}, status, true, nil
	})
}

// Terminate deletes the instance. A 404 means it is already gone.
func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/instances/"+instanceID, nil, "Terminate", http.StatusOK, http.StatusNoContent)
	if err != nil {
		if provider.IsNotFoundError(err) {
			c.logger.Debug("tensordock instance already gone", slog.String("instance_id", instanceID))
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) getInstance(ctx context.Context, instanceID string) (*InstanceResponse, error) {
	body, err := c.do(ctx, http.MethodGet, "/instances/"+instanceID, nil, "GetInstance", http.StatusOK)
	if err != nil {
		return nil, err
	}

	var env instanceEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Data != nil {
		return env.Data, nil
	}

	var inst InstanceResponse
	if err := json.Unmarshal(body, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &inst, nil
}

func (c *Client) buildCreateRequest(offer models.Offer, gpuCount int) CreateInstanceRequest {
	attrs := CreateInstanceAttributes{
		Name:       "benchbot-" + uuid.New().String()[:8],
		Type:       "virtualmachine",
		Image:      c.image,
		HostnodeID: offer.NodeID,
		Resources: ResourcesConfig{
			VCPUCount: capAt(offer.MaxVCPUsPerGPU, c.vcpus),
			RAMGb:     capAt(offer.MaxRAMPerGPU, c.ramGb),
			StorageGb: c.storageGb,
			GPUs: map[string]GPUCount{
				offer.GPUModel: {Count: gpuCount},
			},
		},
		PortForwards: []PortForward{
			{Protocol: "tcp", InternalPort: 22, ExternalPort: requestedSSHPort},
		},
	}

	cloudInit := &CloudInit{
		PackageUpdate: true,
		Packages:      driverPackages,
	}
	if c.sshPublicKey != "" {
		attrs.SSHKey = c.sshPublicKey
		cloudInit.SSHAuthorizedKeys = []string{c.sshPublicKey}
	}
	attrs.CloudInit = cloudInit

	return CreateInstanceRequest{
		Data: CreateInstanceData{
			Type:       "virtualmachine",
			Attributes: attrs,
		},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, operation string, out any) error {
	respBody, err := c.do(ctx, method, path, body, operation, http.StatusOK)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		metrics.RecordProviderAPIError(c.Name(), operation)
		return provider.NewProviderError(c.Name(), operation, 0, "failed to decode response: "+err.Error(), provider.ErrInvalidResponse)
	}
	return nil
}

// do sends an authenticated request and returns the body when the status
// is one of okStatuses
func (c *Client) do(ctx context.Context, method, path string, body []byte, operation string, okStatuses ...int) ([]byte, error) {
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
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordProviderAPIError(c.Name(), operation)
		return nil, provider.NewProviderError(c.Name(), operation, 0, err.Error(), err)
	}
	defer resp.Body.Close()

	for _, ok := range okStatuses {
		if resp.StatusCode == ok {
			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}
			return respBody, nil
		}
	}

	return nil, c.handleError(resp, operation)
}

// handleError converts HTTP errors to provider errors
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)
	metrics.RecordProviderAPIError(c.Name(), operation)
	return provider.NewProviderError(c.Name(), operation, resp.StatusCode, string(body), provider.StatusError(resp.StatusCode))
}

func hostnodeGPUToOffer(node Hostnode, gpu HostnodeGPU, fetchedAt time.Time) models.Offer {
	return models.Offer{
		NodeID:         node.ID,
		GPUModel:       gpu.V0Name,
		PricePerHour:   gpu.PricePerHr,
		Region:         fmt.Sprintf("%s, %s", node.Location.City, node.Location.Country),
		AvailableCount: gpu.AvailableCount,
		MaxVCPUsPerGPU: node.AvailableResources.MaxVCPUsPerGPU,
		MaxRAMPerGPU:   node.AvailableResources.MaxRAMPerGPU,
		FetchedAt:      fetchedAt,
	}
}

// capAt returns want, lowered to limit when the hostnode reports one
func capAt(limit, want int) int {
	if limit > 0 && limit < want {
		return limit
	}
	return want
}
