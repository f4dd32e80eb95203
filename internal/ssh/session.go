package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout is the timeout for each SSH connection attempt
	DefaultConnectTimeout = 30 * time.Second

	// DefaultConnectAttempts is how many times the latency probe dials
	DefaultConnectAttempts = 3

	// DefaultRetryInterval is the wait between probe attempts
	DefaultRetryInterval = 10 * time.Second

	// DefaultCommandTimeout bounds each RunCommand call
	DefaultCommandTimeout = 60 * time.Second
)

// ErrNotConnected is returned by commands issued before a successful connect
var ErrNotConnected = errors.New("ssh session not connected")

// UnreachableError reports a host that never accepted an SSH connection
type UnreachableError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("ssh %s unreachable after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// LatencyProbe is the outcome of ConnectAndMeasureLatency: either a
// latency measurement or an unreachability failure, never both
type LatencyProbe struct {
	Latency time.Duration
	Failure *UnreachableError
}

// Reachable returns true if the probe connected
func (p LatencyProbe) Reachable() bool {
	return p.Failure == nil
}

// Session is a key-authenticated SSH session to one rented instance.
// A Session is used by a single workflow; methods are safe to call
// concurrently but commands are expected to be sequential.
type Session struct {
	host   string
	port   int
	user   string
	signer ssh.Signer

	connectTimeout  time.Duration
	connectAttempts int
	retryInterval   time.Duration
	commandTimeout  time.Duration
	logger          *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithConnectTimeout sets the timeout for each connection attempt
func WithConnectTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithConnectAttempts sets how many times the probe dials before giving up
func WithConnectAttempts(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.connectAttempts = n
		}
	}
}

// WithRetryInterval sets the wait between connection attempts
func WithRetryInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		s.retryInterval = d
	}
}

// WithCommandTimeout sets the per-command timeout for RunCommand
func WithCommandTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates an unconnected session
func NewSession(host string, port int, user string, signer ssh.Signer, opts ...SessionOption) *Session {
	s := &Session{
		host:            host,
		port:            port,
		user:            user,
		signer:          signer,
		connectTimeout:  DefaultConnectTimeout,
		connectAttempts: DefaultConnectAttempts,
		retryInterval:   DefaultRetryInterval,
		commandTimeout:  DefaultCommandTimeout,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Addr returns host:port
func (s *Session) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ConnectAndMeasureLatency dials the instance, retrying up to the
// configured attempts, and reports the handshake time of the attempt that
// succeeded. The connection stays open for RunCommand.
func (s *Session) ConnectAndMeasureLatency(ctx context.Context) LatencyProbe {
	failure := &UnreachableError{Addr: s.Addr()}

	if err := s.validate(); err != nil {
		failure.Err = err
		return LatencyProbe{Failure: failure}
	}

	for attempt := 1; attempt <= s.connectAttempts; attempt++ {
		failure.Attempts = attempt

		start := time.Now()
		client, err := s.dial(ctx)
		latency := time.Since(start)
		if err == nil {
			s.mu.Lock()
			if s.client != nil {
				s.client.Close()
			}
			s.client = client
			s.mu.Unlock()
			return LatencyProbe{Latency: latency}
		}

		failure.Err = err
		s.logger.DebugContext(ctx, "ssh connect attempt failed",
			slog.String("addr", s.Addr()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt == s.connectAttempts {
			break
		}

		select {
		case <-ctx.Done():
			failure.Err = ctx.Err()
			return LatencyProbe{Failure: failure}
		case <-time.After(s.retryInterval):
		}
	}

	return LatencyProbe{Failure: failure}
}

func (s *Session) validate() error {
	if s.host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if s.port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if s.user == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if s.signer == nil {
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User: s.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(s.signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Rented instances have fresh host keys
		Timeout:         s.connectTimeout,
	}

	addr := s.Addr()

	dialer := net.Dialer{Timeout: s.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// Bound the handshake as well as the dial
	_ = conn.SetDeadline(time.Now().Add(s.connectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (s *Session) currentClient() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// RunCommand executes a command and returns its stdout and stderr.
// A command that exits non-zero is not an error; err reports transport
// failures and timeouts only. The command is killed at the earlier of the
// ctx deadline and the session's command timeout.
func (s *Session) RunCommand(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	cmdCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	return s.run(cmdCtx, cmd)
}

// RunLongCommand is RunCommand without the command timeout. Only ctx
// bounds it, so callers must pass a ctx with a deadline.
func (s *Session) RunLongCommand(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	return s.run(ctx, cmd)
}

func (s *Session) run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	client, err := s.currentClient()
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case runErr := <-done:
		stdout = strings.TrimSpace(stdoutBuf.String())
		stderr = strings.TrimSpace(stderrBuf.String())

		var exitErr *ssh.ExitError
		if runErr != nil && !errors.As(runErr, &exitErr) {
			return stdout, stderr, fmt.Errorf("command failed: %w", runErr)
		}
		if exitErr != nil {
			s.logger.DebugContext(ctx, "remote command exited non-zero",
				slog.Int("exit_status", exitErr.ExitStatus()))
		}
		return stdout, stderr, nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", "", fmt.Errorf("command timed out: %w", ctx.Err())
	}
}

// ReadFile retrieves a remote file over SFTP, falling back to cat when the
// SFTP subsystem is unavailable. Relative paths resolve against the login
// user's home directory.
func (s *Session) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}

	client, err := s.currentClient()
	if err != nil {
		return nil, err
	}

	data, sftpErr := readFileSFTP(client, path)
	if sftpErr == nil {
		return data, nil
	}
	if errors.Is(sftpErr, errFileMissing) {
		return nil, fmt.Errorf("failed to read file %s: %w", path, sftpErr)
	}

	s.logger.DebugContext(ctx, "sftp read failed, falling back to cat",
		slog.String("path", path),
		slog.String("error", sftpErr.Error()))

	stdout, stderr, err := s.RunCommand(ctx, fmt.Sprintf("cat %q", path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	if stdout == "" && stderr != "" {
		return nil, fmt.Errorf("failed to read file %s: %s", path, stderr)
	}
	return []byte(stdout), nil
}

var errFileMissing = errors.New("file does not exist")

func readFileSFTP(client *ssh.Client, path string) ([]byte, error) {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp subsystem: %w", err)
	}
	defer sc.Close()

	f, err := sc.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errFileMissing
		}
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

// Disconnect closes the connection. It is a no-op on a session that never
// connected and safe to call more than once.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
