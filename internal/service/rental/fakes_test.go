package rental

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quok-it/benchbot/internal/provider"
	sshpkg "github.com/quok-it/benchbot/internal/ssh"
	"github.com/quok-it/benchbot/pkg/models"
)

type fakeMarket struct {
	mu sync.Mutex

	offers  []models.Offer
	listErr error
	rentErr error
	handle  *provider.RentalHandle
	details *provider.InstanceDetails
	pollErr error
	pollFn  func(ctx context.Context, handle *provider.RentalHandle, policy provider.PollPolicy) (*provider.InstanceDetails, error)

	terminateErr error

	filters        []models.OfferFilter
	rented         []models.Offer
	gpuCounts      []int
	terminated     []string
	terminateCtxOK []bool
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		offers: []models.Offer{
			{NodeID: "node-1", ClusterName: "cluster-a", GPUModel: "NVIDIA-H100-80GB-HBM3", PricePerHour: 2.5, Region: "us-east"},
		},
		handle:  &provider.RentalHandle{InstanceID: "inst-1"},
		details: &provider.InstanceDetails{InstanceID: "inst-1", Host: "10.0.0.5", SSHPort: 22, SSHUser: "ubuntu", RawStatus: "running"},
	}
}

func (m *fakeMarket) Name() string { return "fake" }

func (m *fakeMarket) ListAvailable(_ context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filter)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.offers, nil
}

func (m *fakeMarket) Rent(_ context.Context, offer models.Offer, gpuCount int) (*provider.RentalHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rented = append(m.rented, offer)
	m.gpuCounts = append(m.gpuCounts, gpuCount)
	if m.rentErr != nil {
		return nil, m.rentErr
	}
	return m.handle, nil
}

func (m *fakeMarket) PollUntilReady(ctx context.Context, handle *provider.RentalHandle, policy provider.PollPolicy) (*provider.InstanceDetails, error) {
	if m.pollFn != nil {
		return m.pollFn(ctx, handle, policy)
	}
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	return m.details, nil
}

func (m *fakeMarket) Terminate(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, instanceID)
	m.terminateCtxOK = append(m.terminateCtxOK, ctx.Err() == nil)
	return m.terminateErr
}

type cmdResponse struct {
	stdout string
	stderr string
	err    error
}

type fakeRemote struct {
	mu sync.Mutex

	probe     sshpkg.LatencyProbe
	responses map[string]cmdResponse
	files     map[string][]byte
	panicOn   string

	commands    []string
	long        []string
	reads       []string
	disconnects int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		probe:     sshpkg.LatencyProbe{Latency: 42 * time.Millisecond},
		responses: make(map[string]cmdResponse),
		files:     make(map[string][]byte),
	}
}

func (r *fakeRemote) ConnectAndMeasureLatency(context.Context) sshpkg.LatencyProbe {
	return r.probe
}

func (r *fakeRemote) RunCommand(_ context.Context, cmd string) (string, string, error) {
	return r.exec(cmd, false)
}

func (r *fakeRemote) RunLongCommand(_ context.Context, cmd string) (string, string, error) {
	return r.exec(cmd, true)
}

func (r *fakeRemote) exec(cmd string, long bool) (string, string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	if long {
		r.long = append(r.long, cmd)
	}
	r.mu.Unlock()

	if r.panicOn != "" && cmd == r.panicOn {
		panic("remote exploded")
	}
	res := r.responses[cmd]
	return res.stdout, res.stderr, res.err
}

func (r *fakeRemote) ReadFile(_ context.Context, path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, path)
	data, ok := r.files[path]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	return data, nil
}

func (r *fakeRemote) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	return nil
}

func (r *fakeRemote) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// fakeRecorder keeps a copy of every saved record
type fakeRecorder struct {
	mu    sync.Mutex
	name  string
	err   error
	saves []models.RentalSession
}

func (r *fakeRecorder) Name() string {
	if r.name == "" {
		return "fake"
	}
	return r.name
}

func (r *fakeRecorder) Save(_ context.Context, session *models.RentalSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *session
	cp.Errors = append([]string(nil), session.Errors...)
	r.saves = append(r.saves, cp)
	return nil
}

func (r *fakeRecorder) last() models.RentalSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves[len(r.saves)-1]
}

type factoryCounter struct {
	remote *fakeRemote
	calls  []*provider.InstanceDetails
}

func (f *factoryCounter) factory(details *provider.InstanceDetails) RemoteSession {
	f.calls = append(f.calls, details)
	return f.remote
}
