// Package rental drives one GPU rental from offer selection through
// benchmarking to guaranteed termination.
package rental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/quok-it/benchbot/internal/gpuhealth"
	"github.com/quok-it/benchbot/internal/logging"
	"github.com/quok-it/benchbot/internal/metrics"
	"github.com/quok-it/benchbot/internal/provider"
	sshpkg "github.com/quok-it/benchbot/internal/ssh"
	"github.com/quok-it/benchbot/pkg/models"
)

// Compile-time check that the SSH session satisfies RemoteSession
var _ RemoteSession = (*sshpkg.Session)(nil)

const (
	// DefaultWorkflowTimeout bounds one complete rental
	DefaultWorkflowTimeout = 2 * time.Hour

	// DefaultCleanupTimeout bounds disconnect, terminate and the final save
	DefaultCleanupTimeout = 2 * time.Minute

	// DefaultBenchmarkTimeout bounds the benchmark suite run (about 30 minutes in practice)
	DefaultBenchmarkTimeout = 90 * time.Minute
)

// Run outcomes reported to metrics
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// RemoteSession is the command transport to a rented instance
type RemoteSession interface {
	ConnectAndMeasureLatency(ctx context.Context) sshpkg.LatencyProbe
	// RunCommand is bounded by the transport's per-command timeout
	RunCommand(ctx context.Context, cmd string) (stdout, stderr string, err error)
	// RunLongCommand is bounded by ctx only
	RunLongCommand(ctx context.Context, cmd string) (stdout, stderr string, err error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Disconnect() error
}

// RemoteFactory opens an unconnected session for a ready instance
type RemoteFactory func(details *provider.InstanceDetails) RemoteSession

// SSHRemoteFactory returns a factory producing key-authenticated SSH sessions
func SSHRemoteFactory(signer gossh.Signer, opts ...sshpkg.SessionOption) RemoteFactory {
	return func(details *provider.InstanceDetails) RemoteSession {
		return sshpkg.NewSession(details.Host, details.SSHPort, details.SSHUser, signer, opts...)
	}
}

// Recorder persists session records. Save may be called more than once for
// the same session and must upsert by SessionID.
type Recorder interface {
	Name() string
	Save(ctx context.Context, session *models.RentalSession) error
}

// Picker chooses one offer from a non-empty list
type Picker func(offers []models.Offer) models.Offer

// RandomPicker chooses uniformly at random
func RandomPicker(offers []models.Offer) models.Offer {
	return offers[rand.IntN(len(offers))]
}

// Result describes a finished workflow
type Result struct {
	// Session is nil when the workflow aborted before an offer was selected
	Session     *models.RentalSession
	FinalState  State
	Transitions []State
}

// Orchestrator runs rental workflows against one marketplace
type Orchestrator struct {
	market    provider.Marketplace
	newRemote RemoteFactory
	recorders []Recorder
	logger    *slog.Logger
	pick      Picker

	filter     models.OfferFilter
	gpuCount   int
	pollPolicy provider.PollPolicy
	suite      BenchmarkSuite
	skipBench  bool

	workflowTimeout  time.Duration
	cleanupTimeout   time.Duration
	benchmarkTimeout time.Duration
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRecorder adds a persistence sink
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorders = append(o.recorders, r)
	}
}

// WithPicker overrides offer selection
func WithPicker(p Picker) Option {
	return func(o *Orchestrator) {
		o.pick = p
	}
}

// WithGPUFilter restricts offers to GPU models containing name
func WithGPUFilter(name string) Option {
	return func(o *Orchestrator) {
		o.filter = models.OfferFilter{Name: name}
	}
}

// WithGPUCount sets how many GPUs to rent
func WithGPUCount(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.gpuCount = n
		}
	}
}

// WithPollPolicy sets the boot polling bounds
func WithPollPolicy(p provider.PollPolicy) Option {
	return func(o *Orchestrator) {
		o.pollPolicy = p
	}
}

// WithBenchmarkSuite sets the remote benchmark suite
func WithBenchmarkSuite(s BenchmarkSuite) Option {
	return func(o *Orchestrator) {
		o.suite = s
	}
}

// WithSkipBenchmarks runs the health snapshot only
func WithSkipBenchmarks(skip bool) Option {
	return func(o *Orchestrator) {
		o.skipBench = skip
	}
}

// WithWorkflowTimeout bounds the whole workflow; zero disables the bound
func WithWorkflowTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.workflowTimeout = d
	}
}

// WithCleanupTimeout bounds cleanup
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cleanupTimeout = d
		}
	}
}

// WithBenchmarkTimeout bounds the benchmark run command
func WithBenchmarkTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.benchmarkTimeout = d
	}
}

// New creates an orchestrator for market
func New(market provider.Marketplace, newRemote RemoteFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		market:           market,
		newRemote:        newRemote,
		logger:           slog.Default(),
		pick:             RandomPicker,
		gpuCount:         1,
		pollPolicy:       provider.DefaultPollPolicy(),
		suite:            DefaultBenchmarkSuite(""),
		workflowTimeout:  DefaultWorkflowTimeout,
		cleanupTimeout:   DefaultCleanupTimeout,
		benchmarkTimeout: DefaultBenchmarkTimeout,
	}

	for _, opt := range opts {
		opt(o)
	}

	o.logger = o.logger.With(slog.String("component", "rental"))
	return o
}

// Run executes one workflow. The returned error is non-nil only when the
// workflow aborted in Selecting or Renting; every other failure is recorded
// on the session. Once an instance exists it is terminated exactly once,
// including when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	ctx = logging.WithMarketplace(ctx, o.market.Name())

	if o.workflowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.workflowTimeout)
		defer cancel()
	}

	w := &workflow{
		o:      o,
		logger: o.logger,
		state:  StateCreated,
	}
	w.transitions = append(w.transitions, StateCreated)

	err := w.run(ctx)

	outcome := OutcomeFailed
	switch {
	case err != nil:
		outcome = OutcomeAborted
	case w.session != nil && w.session.Succeeded():
		outcome = OutcomeSuccess
	}
	metrics.RecordRental(o.market.Name(), outcome)

	return &Result{
		Session:     w.session,
		FinalState:  w.state,
		Transitions: w.transitions,
	}, err
}

// lease is a rented instance that must be terminated exactly once
type lease struct {
	market     provider.Marketplace
	instanceID string

	once sync.Once
	err  error
}

func (l *lease) release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.market.Terminate(ctx, l.instanceID)
	})
	return l.err
}

// workflow holds the mutable state of a single Run
type workflow struct {
	o      *Orchestrator
	logger *slog.Logger

	state       State
	transitions []State
	session     *models.RentalSession
	remote      RemoteSession
	bootFailed  bool
}

func (w *workflow) transition(ctx context.Context, to State) {
	w.logger.InfoContext(ctx, "state transition",
		slog.String("from", w.state.String()),
		slog.String("to", to.String()))
	w.state = to
	w.transitions = append(w.transitions, to)
}

func (w *workflow) run(ctx context.Context) error {
	market := w.o.market

	w.transition(ctx, StateSelecting)
	offer, err := w.selectOffer(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "offer selection failed", slog.String("error", err.Error()))
		w.transition(ctx, StateAborted)
		return &PhaseError{Phase: StateSelecting, Err: err}
	}

	cluster := offer.ClusterName
	if cluster == "" {
		cluster = offer.NodeID
	}
	w.session = models.NewRentalSession(offer.NodeID, cluster, market.Name(), offer.GPUModel)
	ctx = logging.WithRentalSessionID(ctx, w.session.SessionID)

	w.logger.InfoContext(ctx, "selected offer",
		slog.String("node_id", offer.NodeID),
		slog.String("gpu_model", offer.GPUModel),
		slog.Float64("price_per_hour", offer.PricePerHour),
		slog.String("region", offer.Region))

	w.transition(ctx, StateRenting)
	handle, err := market.Rent(ctx, offer, w.o.gpuCount)
	if err != nil {
		w.session.AddError(fmt.Sprintf("Failed to rent GPU: %v", err))
		metrics.RecordPhaseFailure(market.Name(), string(StateRenting))
		w.logger.ErrorContext(ctx, "rent failed", slog.String("error", err.Error()))

		_ = w.session.MarkTerminated(models.TerminationNotRented, time.Now())
		w.persistPhase(ctx)
		w.transition(ctx, StateAborted)
		return &PhaseError{Phase: StateRenting, Err: err}
	}

	ctx = logging.WithInstanceID(ctx, handle.InstanceID)
	l := &lease{market: market, instanceID: handle.InstanceID}
	defer w.cleanup(ctx, l)

	w.session.InstanceID = handle.InstanceID
	logging.Audit(ctx, w.logger, logging.AuditInstanceRented,
		slog.String("gpu_model", offer.GPUModel),
		slog.Float64("price_per_hour", offer.PricePerHour))

	w.transition(ctx, StateBooting)
	details, ok := w.boot(ctx, handle, l)
	if !ok {
		w.bootFailed = true
		w.persistPhase(ctx)
		return nil
	}

	w.transition(ctx, StateConnecting)
	w.remote = w.o.newRemote(details)
	probe := w.remote.ConnectAndMeasureLatency(ctx)
	if !probe.Reachable() {
		_ = w.session.SetSSH(false, 0)
		w.session.AddError(fmt.Sprintf("SSH failed after %d attempts", probe.Failure.Attempts))
		metrics.RecordPhaseFailure(market.Name(), string(StateConnecting))
		w.logger.WarnContext(ctx, "ssh connection failed", slog.String("error", probe.Failure.Error()))
		w.persistPhase(ctx)
		return nil
	}
	_ = w.session.SetSSH(true, probe.Latency)
	metrics.RecordSSHLatency(market.Name(), probe.Latency)
	w.logger.InfoContext(ctx, "ssh connected", slog.Duration("latency", probe.Latency))

	w.transition(ctx, StateHealthChecking)
	snapshot, err := w.collectHealth(ctx)
	if err != nil {
		w.session.AddError(fmt.Sprintf("GPU health snapshot failed: %v", err))
		metrics.RecordPhaseFailure(market.Name(), string(StateHealthChecking))
		w.logger.WarnContext(ctx, "health snapshot failed", slog.String("error", err.Error()))
	} else {
		w.session.RecordBenchmark(models.BenchmarkGPUHealthSnapshot, snapshot)
		w.logger.InfoContext(ctx, "health snapshot collected", slog.Int("fields", len(snapshot)))
	}

	w.transition(ctx, StateBenchmarking)
	if w.o.skipBench {
		w.logger.InfoContext(ctx, "benchmarks skipped")
	} else {
		results, err := w.runBenchmarks(ctx, w.remote)
		switch {
		case errors.Is(err, ErrBenchmarkParseFailed):
			w.session.AddError("Failed to parse benchmark results")
			metrics.RecordPhaseFailure(market.Name(), string(StateBenchmarking))
			w.logger.WarnContext(ctx, "benchmark results not parsed", slog.String("error", err.Error()))
		case err != nil:
			w.session.AddError(fmt.Sprintf("Benchmarking failed: %v", err))
			metrics.RecordPhaseFailure(market.Name(), string(StateBenchmarking))
			w.logger.WarnContext(ctx, "benchmarking failed", slog.String("error", err.Error()))
		default:
			w.session.RecordBenchmark(models.BenchmarkGPUBenchmarks, results)
			w.logger.InfoContext(ctx, "benchmark results stored")
		}
	}

	w.persistPhase(ctx)
	return nil
}

func (w *workflow) selectOffer(ctx context.Context) (models.Offer, error) {
	offers, err := w.o.market.ListAvailable(ctx, w.o.filter)
	if err != nil {
		return models.Offer{}, err
	}
	if len(offers) == 0 {
		return models.Offer{}, ErrNoOffers
	}

	w.logger.InfoContext(ctx, "found offers",
		slog.Int("count", len(offers)),
		slog.String("filter", w.o.filter.Name))

	return w.o.pick(offers), nil
}

// boot polls until the instance is ready. The lease is pointed at any
// terminate id the marketplace reported, whether or not boot succeeded.
func (w *workflow) boot(ctx context.Context, handle *provider.RentalHandle, l *lease) (*provider.InstanceDetails, bool) {
	start := time.Now()
	details, err := w.o.market.PollUntilReady(ctx, handle, w.o.pollPolicy)
	elapsed := time.Since(start)

	if err != nil {
		_ = w.session.SetBoot(false, 0)
		var timeout *provider.BootTimeoutError
		if errors.As(err, &timeout) {
			w.retarget(ctx, l, timeout.TerminateID)
			w.session.AddError(fmt.Sprintf("Machine failed to boot after %d attempts", timeout.Attempts))
		} else {
			w.session.AddError(fmt.Sprintf("Machine failed to boot: %v", err))
		}
		metrics.RecordPhaseFailure(w.o.market.Name(), string(StateBooting))
		w.logger.ErrorContext(ctx, "instance did not boot", slog.String("error", err.Error()))
		return nil, false
	}

	w.retarget(ctx, l, details.InstanceID)
	_ = w.session.SetBoot(true, elapsed)
	metrics.RecordBootDuration(w.o.market.Name(), elapsed)
	w.logger.InfoContext(ctx, "instance ready",
		slog.Duration("boot_time", elapsed),
		slog.String("host", details.Host),
		slog.Int("ssh_port", details.SSHPort))
	return details, true
}

func (w *workflow) retarget(ctx context.Context, l *lease, terminateID string) {
	if terminateID == "" || terminateID == l.instanceID {
		return
	}
	w.logger.InfoContext(ctx, "terminate id differs from rental id",
		slog.String("terminate_id", terminateID))
	l.instanceID = terminateID
}

func (w *workflow) collectHealth(ctx context.Context) (models.GPUHealthSnapshot, error) {
	stdout, stderr, err := w.remote.RunCommand(ctx, gpuhealth.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiagnosticCollectionFailed, err)
	}
	if stderr != "" {
		return nil, fmt.Errorf("%w: %s", ErrDiagnosticCollectionFailed, stderr)
	}
	return gpuhealth.Parse(stdout), nil
}

// persistPhase enters Persisted and saves the session
func (w *workflow) persistPhase(ctx context.Context) {
	w.transition(ctx, StatePersisted)
	w.persist(ctx)
}

// persist saves to every recorder on a context that survives cancellation.
// Failures are logged, never returned.
func (w *workflow) persist(ctx context.Context) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.o.cleanupTimeout)
	defer cancel()

	for _, r := range w.o.recorders {
		if err := r.Save(saveCtx, w.session); err != nil {
			metrics.RecordPersistFailure(r.Name())
			w.logger.ErrorContext(ctx, "failed to persist session",
				slog.String("sink", r.Name()),
				slog.String("error", err.Error()))
			continue
		}
		logging.Audit(ctx, w.logger, logging.AuditSessionPersisted, slog.String("sink", r.Name()))
	}
}

// cleanup disconnects the remote session, terminates the lease, stamps the
// termination and saves the final record. It runs on a context detached from
// ctx so a cancelled workflow still releases its instance. A panic in the
// workflow is re-raised once cleanup finishes.
func (w *workflow) cleanup(ctx context.Context, l *lease) {
	panicked := recover()
	if panicked != nil {
		w.session.AddError(fmt.Sprintf("workflow panic: %v", panicked))
		w.logger.ErrorContext(ctx, "workflow panicked, cleaning up", slog.Any("panic", panicked))
		w.transition(ctx, StatePersisted)
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.o.cleanupTimeout)
	defer cancel()

	w.logger.InfoContext(ctx, "cleanup started", slog.String("terminate_id", l.instanceID))

	if w.remote != nil {
		if err := w.remote.Disconnect(); err != nil {
			w.logger.WarnContext(ctx, "disconnect failed",
				slog.String("error", fmt.Errorf("%w: %v", ErrCleanupFailed, err).Error()))
		}
	}

	status := models.TerminationTerminated
	if err := l.release(cleanupCtx); err != nil {
		status = models.TerminationFailed
		metrics.RecordTerminateFailure(w.o.market.Name())
		w.logger.ErrorContext(ctx, "terminate failed, instance may still be running",
			slog.String("terminate_id", l.instanceID),
			slog.String("error", fmt.Errorf("%w: %v", ErrCleanupFailed, err).Error()))
	} else {
		logging.Audit(ctx, w.logger, logging.AuditInstanceTerminated,
			slog.String("terminate_id", l.instanceID))
	}

	_ = w.session.MarkTerminated(status, time.Now())
	w.persist(ctx)

	if w.bootFailed {
		w.transition(ctx, StateAborted)
	} else {
		w.transition(ctx, StateTerminated)
	}

	if panicked != nil {
		panic(panicked)
	}
}
