package ssh

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnected(t *testing.T) (*testServer, *Session) {
	t.Helper()

	signer := newTestSigner(t)
	srv := newTestServer(t, signer.PublicKey())
	host, port := srv.hostPort()

	s := NewSession(host, port, "ubuntu", signer,
		WithConnectTimeout(5*time.Second),
		WithRetryInterval(0),
		WithLogger(discardLogger()))

	probe := s.ConnectAndMeasureLatency(context.Background())
	require.True(t, probe.Reachable(), "probe failed: %v", probe.Failure)
	t.Cleanup(func() { s.Disconnect() })

	return srv, s
}

func TestNewSession_Defaults(t *testing.T) {
	s := NewSession("10.0.0.1", 22, "ubuntu", nil)

	assert.Equal(t, DefaultConnectTimeout, s.connectTimeout)
	assert.Equal(t, DefaultConnectAttempts, s.connectAttempts)
	assert.Equal(t, DefaultRetryInterval, s.retryInterval)
	assert.Equal(t, DefaultCommandTimeout, s.commandTimeout)
	assert.Equal(t, "10.0.0.1:22", s.Addr())
}

func TestNewSession_Options(t *testing.T) {
	s := NewSession("::1", 2222, "root", nil,
		WithConnectTimeout(time.Second),
		WithConnectAttempts(5),
		WithRetryInterval(2*time.Second),
		WithCommandTimeout(3*time.Second),
		WithConnectAttempts(0), // ignored
	)

	assert.Equal(t, time.Second, s.connectTimeout)
	assert.Equal(t, 5, s.connectAttempts)
	assert.Equal(t, 2*time.Second, s.retryInterval)
	assert.Equal(t, 3*time.Second, s.commandTimeout)
	assert.Equal(t, "[::1]:2222", s.Addr())
}

func TestConnectAndMeasureLatency_Success(t *testing.T) {
	_, s := newConnected(t)

	client, err := s.currentClient()
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestConnectAndMeasureLatency_ReportsLatency(t *testing.T) {
	signer := newTestSigner(t)
	srv := newTestServer(t, signer.PublicKey())
	host, port := srv.hostPort()

	s := NewSession(host, port, "ubuntu", signer, WithLogger(discardLogger()))
	defer s.Disconnect()

	probe := s.ConnectAndMeasureLatency(context.Background())

	require.True(t, probe.Reachable())
	assert.Nil(t, probe.Failure)
	assert.Greater(t, probe.Latency, time.Duration(0))
}

func TestConnectAndMeasureLatency_WrongKey(t *testing.T) {
	srv := newTestServer(t, newTestSigner(t).PublicKey())
	host, port := srv.hostPort()

	s := NewSession(host, port, "ubuntu", newTestSigner(t),
		WithConnectAttempts(2),
		WithRetryInterval(0),
		WithLogger(discardLogger()))

	probe := s.ConnectAndMeasureLatency(context.Background())

	require.False(t, probe.Reachable())
	assert.Equal(t, 2, probe.Failure.Attempts)
	assert.Contains(t, probe.Failure.Error(), "handshake failed")
	assert.Zero(t, probe.Latency)

	_, err := s.currentClient()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectAndMeasureLatency_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	listener.Close()

	s := NewSession("127.0.0.1", port, "ubuntu", newTestSigner(t),
		WithConnectAttempts(3),
		WithRetryInterval(time.Millisecond),
		WithConnectTimeout(time.Second),
		WithLogger(discardLogger()))

	probe := s.ConnectAndMeasureLatency(context.Background())

	require.False(t, probe.Reachable())
	assert.Equal(t, 3, probe.Failure.Attempts)
	assert.Equal(t, s.Addr(), probe.Failure.Addr)
	assert.Contains(t, probe.Failure.Error(), "unreachable after 3 attempts")
}

func TestConnectAndMeasureLatency_ValidationErrors(t *testing.T) {
	signer := newTestSigner(t)

	tests := []struct {
		name    string
		session *Session
		wantErr string
	}{
		{"empty host", NewSession("", 22, "ubuntu", signer), "host cannot be empty"},
		{"zero port", NewSession("10.0.0.1", 0, "ubuntu", signer), "port must be positive"},
		{"empty user", NewSession("10.0.0.1", 22, "", signer), "user cannot be empty"},
		{"no key", NewSession("10.0.0.1", 22, "ubuntu", nil), "private key cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := tt.session.ConnectAndMeasureLatency(context.Background())
			require.False(t, probe.Reachable())
			assert.Equal(t, 0, probe.Failure.Attempts)
			assert.Contains(t, probe.Failure.Error(), tt.wantErr)
		})
	}
}

func TestConnectAndMeasureLatency_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession("127.0.0.1", 1, "ubuntu", newTestSigner(t),
		WithConnectAttempts(5),
		WithRetryInterval(time.Hour),
		WithLogger(discardLogger()))

	probe := s.ConnectAndMeasureLatency(ctx)

	require.False(t, probe.Reachable())
	assert.Equal(t, 1, probe.Failure.Attempts)
	assert.ErrorIs(t, probe.Failure, context.Canceled)
}

func TestRunCommand(t *testing.T) {
	srv, s := newConnected(t)
	srv.commands["nvidia-smi -L"] = execResult{stdout: "GPU 0: NVIDIA H100 80GB HBM3\n"}
	srv.commands["false"] = execResult{stderr: "boom\n", status: 1}

	t.Run("stdout captured and trimmed", func(t *testing.T) {
		stdout, stderr, err := s.RunCommand(context.Background(), "nvidia-smi -L")
		require.NoError(t, err)
		assert.Equal(t, "GPU 0: NVIDIA H100 80GB HBM3", stdout)
		assert.Empty(t, stderr)
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		stdout, stderr, err := s.RunCommand(context.Background(), "false")
		require.NoError(t, err)
		assert.Empty(t, stdout)
		assert.Equal(t, "boom", stderr)
	})

	assert.Contains(t, srv.ran(), "nvidia-smi -L")
}

func TestRunCommand_Timeout(t *testing.T) {
	_, s := newConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err := s.RunCommand(ctx, "hang")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunCommand_DefaultTimeout(t *testing.T) {
	_, s := newConnected(t)
	s.commandTimeout = 100 * time.Millisecond

	_, _, err := s.RunCommand(context.Background(), "hang")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunCommand_TimeoutCapsLongerDeadline(t *testing.T) {
	_, s := newConnected(t)
	s.commandTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, _, err := s.RunCommand(ctx, "hang")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunLongCommand_IgnoresCommandTimeout(t *testing.T) {
	srv, s := newConnected(t)
	s.commandTimeout = 50 * time.Millisecond
	srv.commands["./benchmarks.sh"] = execResult{stdout: "{\"score\": 1}\n"}

	stdout, _, err := s.RunLongCommand(context.Background(), "./benchmarks.sh")
	require.NoError(t, err)
	assert.Equal(t, `{"score": 1}`, stdout)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err = s.RunLongCommand(ctx, "hang")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "only ctx bounds a long command")
}

func TestRunCommand_NotConnected(t *testing.T) {
	s := NewSession("10.0.0.1", 22, "ubuntu", newTestSigner(t))

	_, _, err := s.RunCommand(context.Background(), "true")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReadFile_SFTP(t *testing.T) {
	srv, s := newConnected(t)

	path := filepath.Join(t.TempDir(), "parse_output.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tflops": 312.5}`), 0o600))

	data, err := s.ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tflops": 312.5}`, string(data))
	assert.Empty(t, srv.ran(), "sftp read should not fall back to exec")
}

func TestReadFile_Missing(t *testing.T) {
	srv, s := newConnected(t)

	_, err := s.ReadFile(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errFileMissing)
	assert.Empty(t, srv.ran())
}

func TestReadFile_FallsBackToCat(t *testing.T) {
	signer := newTestSigner(t)
	srv := newTestServer(t, signer.PublicKey())
	srv.disableSFTP = true
	host, port := srv.hostPort()

	s := NewSession(host, port, "ubuntu", signer, WithLogger(discardLogger()))
	require.True(t, s.ConnectAndMeasureLatency(context.Background()).Reachable())
	defer s.Disconnect()

	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"ok\": true}\n"), 0o600))

	data, err := s.ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, string(data))
	require.Len(t, srv.ran(), 1)
	assert.Equal(t, "cat "+strconv.Quote(path), srv.ran()[0])

	_, err = s.ReadFile(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such file")
}

func TestReadFile_Validation(t *testing.T) {
	s := NewSession("10.0.0.1", 22, "ubuntu", newTestSigner(t))

	_, err := s.ReadFile(context.Background(), "")
	assert.Error(t, err)

	_, err = s.ReadFile(context.Background(), "out.json")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnect(t *testing.T) {
	t.Run("never connected", func(t *testing.T) {
		s := NewSession("10.0.0.1", 22, "ubuntu", nil)
		assert.NoError(t, s.Disconnect())
		assert.NoError(t, s.Disconnect())
	})

	t.Run("connected", func(t *testing.T) {
		_, s := newConnected(t)
		assert.NoError(t, s.Disconnect())
		assert.NoError(t, s.Disconnect())

		_, _, err := s.RunCommand(context.Background(), "true")
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}
