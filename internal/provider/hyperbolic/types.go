package hyperbolic

// MarketplaceRequest is the body of POST /marketplace
type MarketplaceRequest struct {
	Filters map[string]any `json:"filters"`
}

// MarketplaceResponse lists the nodes on the marketplace
type MarketplaceResponse struct {
	Instances []Node `json:"instances"`
}

// Node is one marketplace listing
type Node struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	Reserved     bool     `json:"reserved"`
	GPUsReserved int      `json:"gpus_reserved"`
	GPUsTotal    int      `json:"gpus_total"`
	ClusterName  string   `json:"cluster_name"`
	Hardware     Hardware `json:"hardware"`
	Pricing      Pricing  `json:"pricing"`
	Location     Location `json:"location"`
}

// Hardware describes a node's GPUs
type Hardware struct {
	GPUs []GPU `json:"gpus"`
}

// GPU is a single accelerator on a node
type GPU struct {
	Model string `json:"model"`
	RAM   int    `json:"ram"`
}

// Pricing wraps the node price
type Pricing struct {
	Price Price `json:"price"`
}

// Price is an amount in cents per hour
type Price struct {
	Amount float64 `json:"amount"`
}

// Location describes where a node lives
type Location struct {
	Region string `json:"region"`
}

// nodeStatusReady is the listing status of a rentable node
const nodeStatusReady = "node_ready"

// available reports whether a node is ready, unreserved and has a free GPU
func (n Node) available() bool {
	return n.Status == nodeStatusReady && !n.Reserved && n.GPUsReserved < n.GPUsTotal
}

// gpu returns the node's first GPU, if any
func (n Node) gpu() (GPU, bool) {
	if len(n.Hardware.GPUs) == 0 || n.Hardware.GPUs[0].Model == "" {
		return GPU{}, false
	}
	return n.Hardware.GPUs[0], true
}

// CreateInstanceRequest is the body of POST /marketplace/instances/create
type CreateInstanceRequest struct {
	ClusterName string `json:"cluster_name"`
	NodeName    string `json:"node_name"`
	GPUCount    int    `json:"gpu_count"`
	Image       Image  `json:"image"`
}

// Image is the container image the instance boots
type Image struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
	Port int    `json:"port"`
}

// CreateInstanceResponse names the created instance
type CreateInstanceResponse struct {
	InstanceName string `json:"instance_name"`
}

// UserInstancesResponse is the body of GET /marketplace/instances
type UserInstancesResponse struct {
	Instances []UserInstance `json:"instances"`
}

// UserInstance is one of the caller's rented instances. The outer ID is
// what terminate expects; Instance.ID is the name returned by create.
type UserInstance struct {
	ID         string       `json:"id"`
	SSHCommand string       `json:"sshCommand"`
	Instance   InstanceInfo `json:"instance"`
}

// InstanceInfo is the nested instance status
type InstanceInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// TerminateRequest is the body of POST /marketplace/instances/terminate
type TerminateRequest struct {
	ID string `json:"id"`
}
