package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type execResult struct {
	stdout string
	stderr string
	status uint32
}

// testServer is an in-process SSH server that accepts one public key and
// serves canned exec responses plus a real SFTP subsystem
type testServer struct {
	t           *testing.T
	listener    net.Listener
	config      *ssh.ServerConfig
	commands    map[string]execResult
	disableSFTP bool

	mu       sync.Mutex
	executed []string
	done     chan struct{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func newTestServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	s := &testServer{
		t:        t,
		commands: make(map[string]execResult),
		done:     make(chan struct{}),
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(newTestSigner(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = listener

	go s.serve()

	t.Cleanup(func() {
		close(s.done)
		listener.Close()
	})

	return s
}

func (s *testServer) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (s *testServer) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			s.mu.Lock()
			s.executed = append(s.executed, payload.Command)
			s.mu.Unlock()

			res, hang := s.exec(payload.Command)
			if hang {
				select {
				case <-s.done:
				case <-time.After(5 * time.Second):
				}
				return
			}

			ch.Write([]byte(res.stdout))
			ch.Stderr().Write([]byte(res.stderr))
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || s.disableSFTP {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			go func() {
				for r := range requests {
					if r.WantReply {
						r.Reply(false, nil)
					}
				}
			}()

			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve()
			server.Close()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) exec(cmd string) (execResult, bool) {
	if cmd == "hang" {
		return execResult{}, true
	}
	if res, ok := s.commands[cmd]; ok {
		return res, false
	}
	if rest, ok := strings.CutPrefix(cmd, "cat "); ok {
		path, err := strconv.Unquote(rest)
		if err != nil {
			path = rest
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return execResult{stderr: "cat: " + path + ": No such file or directory", status: 1}, false
		}
		return execResult{stdout: string(data)}, false
	}
	return execResult{stderr: cmd + ": command not found", status: 127}, false
}
