package remotelog

import (
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

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes the remote host and the follow command to run on it.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string

	// KeyFile is a PEM private key used in addition to Password.
	KeyFile string

	// KnownHosts is an OpenSSH known_hosts file. When empty, host keys are
	// not verified.
	KnownHosts string

	// Command is the follow command, see FollowFileCommand and
	// FollowContainerCommand.
	Command string

	ConnectTimeout time.Duration
	Keepalive      time.Duration
}

// SSHSource runs Command over an SSH session and streams its stdout.
type SSHSource struct {
	cfg    SSHConfig
	logger *slog.Logger

	once      sync.Once
	clientCfg *ssh.ClientConfig
	cfgErr    error
}

// NewSSHSource creates a source; the connection is made by Open.
func NewSSHSource(cfg SSHConfig) *SSHSource {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &SSHSource{
		cfg:    cfg,
		logger: slog.Default().With("component", "remotelog", "host", cfg.Host),
	}
}

// Addr returns host:port.
func (s *SSHSource) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Describe implements Source.
func (s *SSHSource) Describe() string {
	return fmt.Sprintf("ssh://%s@%s %s", s.cfg.User, s.Addr(), s.cfg.Command)
}

func (s *SSHSource) clientConfig() (*ssh.ClientConfig, error) {
	s.once.Do(func() {
		var methods []ssh.AuthMethod
		if s.cfg.KeyFile != "" {
			pem, err := os.ReadFile(s.cfg.KeyFile)
			if err != nil {
				s.cfgErr = fmt.Errorf("%w: read key %s: %v", ErrAuth, s.cfg.KeyFile, err)
				return
			}
			signer, err := ssh.ParsePrivateKey(pem)
			if err != nil {
				s.cfgErr = fmt.Errorf("%w: parse key %s: %v", ErrAuth, s.cfg.KeyFile, err)
				return
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
		if s.cfg.Password != "" {
			methods = append(methods, ssh.Password(s.cfg.Password))
		}

		hostKey := ssh.InsecureIgnoreHostKey()
		if s.cfg.KnownHosts != "" {
			cb, err := knownhosts.New(s.cfg.KnownHosts)
			if err != nil {
				s.cfgErr = fmt.Errorf("remotelog: known_hosts %s: %w", s.cfg.KnownHosts, err)
				return
			}
			hostKey = cb
		} else {
			s.logger.Warn("host key verification disabled; set device.known_hosts to enable")
		}

		s.clientCfg = &ssh.ClientConfig{
			User:            s.cfg.User,
			Auth:            methods,
			HostKeyCallback: hostKey,
			Timeout:         s.cfg.ConnectTimeout,
		}
	})
	return s.clientCfg, s.cfgErr
}

// Open dials the host, starts the follow command and returns its stdout.
func (s *SSHSource) Open(ctx context.Context) (io.ReadCloser, error) {
	cfg, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := s.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remotelog: dial %s: %w", addr, err)
	}

	// NewClientConn takes no context. The deadline bounds the handshake and
	// closing conn when ctx ends aborts it early.
	_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	abort := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !abort() {
		if err == nil {
			c.Close()
		}
		return nil, fmt.Errorf("remotelog: handshake %s: %w", addr, context.Cause(ctx))
	}
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, fmt.Errorf("%w: %s@%s: %v", ErrAuth, s.cfg.User, addr, err)
		}
		return nil, fmt.Errorf("remotelog: handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("remotelog: open session: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("remotelog: stdout pipe: %w", err)
	}
	sess.Stderr = &stderrLogger{logger: s.logger}

	if err := sess.Start(s.cfg.Command); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("remotelog: start %q: %w", s.cfg.Command, err)
	}

	st := &sshStream{client: client, sess: sess, stdout: stdout, done: make(chan struct{})}
	if s.cfg.Keepalive > 0 {
		go st.keepalive(s.cfg.Keepalive, s.logger)
	}
	s.logger.Info("following remote log", "command", s.cfg.Command)
	return st, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// sshStream owns one client connection and its follow session.
type sshStream struct {
	client *ssh.Client
	sess   *ssh.Session
	stdout io.Reader

	once sync.Once
	done chan struct{}
}

func (st *sshStream) Read(p []byte) (int, error) {
	return st.stdout.Read(p)
}

// Close tears down the session and the connection, which unblocks Read.
func (st *sshStream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		_ = st.sess.Close()
		err = st.client.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// keepalive probes the connection; a failed probe closes it so Read returns
// instead of hanging on a half-open TCP connection.
func (st *sshStream) keepalive(every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-t.C:
			if _, _, err := st.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				logger.Warn("keepalive failed, closing connection", "error", err)
				st.Close()
				return
			}
		}
	}
}

// stderrLogger forwards the follow command's stderr to the process log.
type stderrLogger struct {
	logger *slog.Logger
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.logger.Warn("remote stderr", "output", strings.TrimSpace(string(p)))
	return len(p), nil
}
