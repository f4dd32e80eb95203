package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gossh "golang.org/x/crypto/ssh"

	"github.com/quok-it/benchbot/internal/config"
	"github.com/quok-it/benchbot/internal/provider"
	"github.com/quok-it/benchbot/internal/provider/hyperbolic"
	"github.com/quok-it/benchbot/internal/provider/tensordock"
	"github.com/quok-it/benchbot/internal/service/rental"
	"github.com/quok-it/benchbot/internal/ssh"
	"github.com/quok-it/benchbot/internal/storage"
	"github.com/quok-it/benchbot/internal/stream"
)

// expandHome resolves a leading "~/" against the user's home directory
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// loadKeys returns the SSH signer and the public key handed to marketplaces
func loadKeys(c *config.Config) (gossh.Signer, string, error) {
	path, err := expandHome(c.SSH.PrivateKeyPath)
	if err != nil {
		return nil, "", err
	}
	signer, err := ssh.LoadSigner(path)
	if err != nil {
		return nil, "", err
	}

	publicKey := strings.TrimSpace(c.SSH.PublicKey)
	if publicKey == "" {
		return signer, ssh.AuthorizedKey(signer), nil
	}
	if err := ssh.ValidateAuthorizedKey(publicKey); err != nil {
		return nil, "", fmt.Errorf("invalid SSH_PUBLIC_KEY: %w", err)
	}
	return signer, publicKey, nil
}

// buildMarketplace creates the client for the configured marketplace.
// publicKey may be empty when nothing will be rented.
func buildMarketplace(c *config.Config, publicKey string, log *slog.Logger) (provider.Marketplace, error) {
	switch c.Lifecycle.Marketplace {
	case provider.NameHyperbolic:
		opts := []hyperbolic.ClientOption{hyperbolic.WithLogger(log)}
		if c.Providers.Hyperbolic.BaseURL != "" {
			opts = append(opts, hyperbolic.WithBaseURL(c.Providers.Hyperbolic.BaseURL))
		}
		return hyperbolic.NewClient(c.Providers.Hyperbolic.APIKey, opts...), nil

	case provider.NameTensorDock:
		td := c.Providers.TensorDock
		opts := []tensordock.ClientOption{
			tensordock.WithLogger(log),
			tensordock.WithResources(td.VCPUs, td.RAMGb, td.StorageGb),
		}
		if td.BaseURL != "" {
			opts = append(opts, tensordock.WithBaseURL(td.BaseURL))
		}
		if td.Image != "" {
			opts = append(opts, tensordock.WithImage(td.Image))
		}
		if publicKey != "" {
			opts = append(opts, tensordock.WithSSHPublicKey(publicKey))
		}
		return tensordock.NewClient(td.APIToken, opts...), nil

	default:
		return nil, fmt.Errorf("unknown marketplace %q", c.Lifecycle.Marketplace)
	}
}

// openStore opens and migrates the session database
func openStore(ctx context.Context, c *config.Config) (*storage.DB, *storage.SessionStore, error) {
	db, err := storage.New(c.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, storage.NewSessionStore(db), nil
}

// buildRecorders returns the session sinks. The returned close func
// flushes the Kafka sink when one is configured.
func buildRecorders(c *config.Config, store *storage.SessionStore, log *slog.Logger) ([]rental.Recorder, func(), error) {
	recorders := []rental.Recorder{store}
	closeFn := func() {}

	if c.StreamEnabled() {
		publisher, err := stream.NewPublisher(stream.ParseBrokers(c.Stream.Brokers), c.Stream.Topic, stream.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		recorders = append(recorders, publisher)
		closeFn = func() {
			if err := publisher.Close(); err != nil {
				log.Warn("failed to close kafka publisher", slog.String("error", err.Error()))
			}
		}
		log.Info("kafka sink enabled",
			slog.String("brokers", c.Stream.Brokers),
			slog.String("topic", publisher.Topic()))
	}

	return recorders, closeFn, nil
}

// buildOrchestrator assembles the rental workflow from configuration
func buildOrchestrator(c *config.Config, market provider.Marketplace, signer gossh.Signer, recorders []rental.Recorder, log *slog.Logger) *rental.Orchestrator {
	remotes := rental.SSHRemoteFactory(signer,
		ssh.WithConnectTimeout(c.SSH.ConnectTimeout),
		ssh.WithConnectAttempts(c.SSH.ConnectAttempts),
		ssh.WithRetryInterval(c.SSH.RetryInterval),
		ssh.WithCommandTimeout(c.SSH.CommandTimeout),
		ssh.WithLogger(log),
	)

	opts := []rental.Option{
		rental.WithLogger(log),
		rental.WithGPUFilter(c.Lifecycle.GPUFilter),
		rental.WithGPUCount(c.Lifecycle.GPUCount),
		rental.WithPollPolicy(c.PollPolicy()),
		rental.WithBenchmarkSuite(rental.DefaultBenchmarkSuite(c.Benchmark.RepoURL)),
		rental.WithSkipBenchmarks(c.Benchmark.Skip),
		rental.WithWorkflowTimeout(c.Lifecycle.WorkflowTimeout),
		rental.WithCleanupTimeout(c.Lifecycle.CleanupTimeout),
		rental.WithBenchmarkTimeout(c.SSH.BenchmarkTimeout),
	}
	for _, r := range recorders {
		opts = append(opts, rental.WithRecorder(r))
	}

	return rental.New(market, remotes, opts...)
}
