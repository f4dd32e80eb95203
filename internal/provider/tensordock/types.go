package tensordock

import "strings"

// HostnodesResponse is the response from GET /hostnodes
type HostnodesResponse struct {
	Data HostnodesData `json:"data"`
}

// HostnodesData contains the hostnodes array
type HostnodesData struct {
	Hostnodes []Hostnode `json:"hostnodes"`
}

// Hostnode represents a TensorDock host machine with rentable GPUs
type Hostnode struct {
	ID                 string             `json:"id"`
	Location           HostnodeLocation   `json:"location"`
	AvailableResources AvailableResources `json:"available_resources"`
}

// HostnodeLocation describes where a hostnode lives
type HostnodeLocation struct {
	City          string `json:"city"`
	StateProvince string `json:"stateprovince,omitempty"`
	Country       string `json:"country"`
}

// AvailableResources is the free capacity on a hostnode
type AvailableResources struct {
	GPUs           []HostnodeGPU `json:"gpus"`
	MaxVCPUsPerGPU int           `json:"max_vcpus_per_gpu"`
	MaxRAMPerGPU   int           `json:"max_ram_per_gpu"`
}

// HostnodeGPU represents GPU availability on a hostnode
type HostnodeGPU struct {
	V0Name         string  `json:"v0Name"`
	AvailableCount int     `json:"availableCount"`
	PricePerHr     float64 `json:"price_per_hr"`
}

// InstanceResponse is the body of GET /instances/{id}.
// The endpoint has returned both a flat camelCase shape and a
// "data"/"attributes" snake_case shape; both are decoded.
type InstanceResponse struct {
	Type         string              `json:"type"`
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Status       string              `json:"status"`
	IPAddress    string              `json:"ipAddress"`
	PortForwards []PortForward       `json:"portForwards"`
	RateHourly   float64             `json:"rateHourly"`
	Attributes   *InstanceAttributes `json:"attributes,omitempty"`
}

// InstanceAttributes is the nested shape of an instance
type InstanceAttributes struct {
	Status       string        `json:"status"`
	IPAddress    string        `json:"ip_address"`
	PortForwards []PortForward `json:"port_forwards"`
}

// instanceEnvelope handles the optional "data" wrapper
type instanceEnvelope struct {
	Data *InstanceResponse `json:"data"`
}

// state returns the instance status, preferring top-level fields
func (r *InstanceResponse) state() string {
	if r.Status == "" && r.Attributes != nil {
		return r.Attributes.Status
	}
	return r.Status
}

func (r *InstanceResponse) host() string {
	if r.IPAddress == "" && r.Attributes != nil {
		return r.Attributes.IPAddress
	}
	return r.IPAddress
}

// sshPort returns the external port forwarded to 22, or 22 with no forward
func (r *InstanceResponse) sshPort() int {
	forwards := r.PortForwards
	if len(forwards) == 0 && r.Attributes != nil {
		forwards = r.Attributes.PortForwards
	}
	for _, pf := range forwards {
		if pf.InternalPort == 22 && pf.ExternalPort > 0 {
			return pf.ExternalPort
		}
	}
	return 22
}

func (r *InstanceResponse) running() bool {
	return strings.EqualFold(r.state(), "running")
}

// CreateInstanceRequest is the request body for creating an instance
type CreateInstanceRequest struct {
	Data CreateInstanceData `json:"data"`
}

// CreateInstanceData wraps the create request
type CreateInstanceData struct {
	Type       string                   `json:"type"`
	Attributes CreateInstanceAttributes `json:"attributes"`
}

// CreateInstanceAttributes contains the instance configuration
type CreateInstanceAttributes struct {
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Image        string          `json:"image"`
	HostnodeID   string          `json:"hostnode_id"`
	Resources    ResourcesConfig `json:"resources"`
	PortForwards []PortForward   `json:"port_forwards"`
	SSHKey       string          `json:"ssh_key,omitempty"`
	CloudInit    *CloudInit      `json:"cloud_init,omitempty"`
}

// PortForward specifies a port forwarding rule
type PortForward struct {
	Protocol     string `json:"protocol,omitempty"`
	InternalPort int    `json:"internal_port"`
	ExternalPort int    `json:"external_port"`
}

// ResourcesConfig specifies instance resources
type ResourcesConfig struct {
	VCPUCount int                 `json:"vcpu_count"`
	RAMGb     int                 `json:"ram_gb"`
	StorageGb int                 `json:"storage_gb"`
	GPUs      map[string]GPUCount `json:"gpus"`
}

// GPUCount specifies the count for a GPU model
type GPUCount struct {
	Count int `json:"count"`
}

// CloudInit contains cloud-init configuration.
// TensorDock's ssh_key field does not install the key; ssh_authorized_keys does.
type CloudInit struct {
	Packages          []string `json:"packages,omitempty"`
	PackageUpdate     bool     `json:"package_update,omitempty"`
	RunCmd            []string `json:"runcmd,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
}

// CreateInstanceResponse is the response from POST /instances
type CreateInstanceResponse struct {
	Data CreateInstanceResponseData `json:"data"`
}

// CreateInstanceResponseData contains the created instance info
type CreateInstanceResponseData struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// errorBody is the shape TensorDock uses for errors, sometimes with HTTP 200
type errorBody struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}
