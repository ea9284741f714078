package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SSH connection settings for a provisioned instance
type Config struct {
	Port int
	User string

	// PrivateKeyPath is the key created for the project key pair
	PrivateKeyPath string

	// KnownHostsPath enables host key verification when StrictHostKeyChecking is set.
	// Fresh instances have unknown host keys, so checking is off by default.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration

	// DialTries bounds connection attempts while sshd comes up
	DialTries      uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig(user, keyPath string) Config {
	return Config{
		Port:              22,
		User:              user,
		PrivateKeyPath:    keyPath,
		ConnectionTimeout: 30 * time.Second,
		CommandTimeout:    30 * time.Minute,
		DialTries:         10,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        20 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("private key path is required")
	}
	if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
		return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config
func (c Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// RunResult is the outcome of one remote command
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RemoteSession runs commands and copies files on one instance
type RemoteSession interface {
	Run(ctx context.Context, cmd string) (RunResult, error)
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	Close() error
}

// Dialer opens a RemoteSession to an instance address
type Dialer interface {
	Dial(ctx context.Context, address string) (RemoteSession, error)
}

// SSHDialer dials instances over SSH
type SSHDialer struct {
	cfg Config
}

// NewSSHDialer creates a dialer after validating cfg
func NewSSHDialer(cfg Config) (*SSHDialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	if cfg.DialTries == 0 {
		cfg.DialTries = 1
	}
	return &SSHDialer{cfg: cfg}, nil
}

// Dial connects to address, retrying while the instance finishes booting
func (d *SSHDialer) Dial(ctx context.Context, address string) (RemoteSession, error) {
	clientConfig, err := d.cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(address, strconv.Itoa(d.cfg.Port))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff

	client, err := backoff.Retry(ctx, func() (*ssh.Client, error) {
		c, err := dialContext(ctx, target, clientConfig)
		if err != nil {
			log.Debug().Err(err).Str("address", target).Msg("ssh dial failed, retrying")
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.cfg.DialTries))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	log.Info().Str("address", target).Msg("SSH connection established")
	return &sshSession{client: client, commandTimeout: d.cfg.CommandTimeout}, nil
}

func dialContext(ctx context.Context, target string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, target, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

type sshSession struct {
	client         *ssh.Client
	commandTimeout time.Duration
}

// Run executes cmd; a non-zero exit is reported in RunResult with a nil error
func (s *sshSession) Run(ctx context.Context, cmd string) (RunResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return RunResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case runErr = <-done:
	}

	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, runErr
	}
	return res, nil
}

// Upload copies a local file to remotePath over SFTP
func (s *sshSession) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("failed to start sftp: %w", err)
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer local.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer remote.Close()

	if _, err := io.Copy(remote, &ctxReader{ctx: ctx, r: local}); err != nil {
		return fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	if err := client.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	return nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
