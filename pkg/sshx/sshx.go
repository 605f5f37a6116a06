package sshx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	"golang.org/x/crypto/ssh"
)

// Target describes how to reach one drone over SSH.
type Target struct {
	Host     string
	Port     int
	User     string
	KeyPath  string
	Password string

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if t.KeyPath != "" {
		key, err := os.ReadFile(t.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh auth configured for %s", t.Host)
	}

	user := t.User
	if user == "" {
		user = "root"
	}
	connect := t.ConnectTimeout
	if connect == 0 {
		connect = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User: user,
		Auth: auth,
		// Fleet-internal hosts are reprovisioned often; host keys churn.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connect,
	}, nil
}

// Runner executes commands and file copies on remote drones. The interface
// exists so the self-healer and payload registry can be tested without a
// live fleet.
type Runner interface {
	Run(ctx context.Context, t Target, cmd string) (string, error)
	RunDetached(ctx context.Context, t Target, cmd string) error
	Upload(ctx context.Context, t Target, content io.Reader, size int64, remotePath, mode string) error
}

// Client is the production Runner backed by x/crypto/ssh and SCP.
type Client struct{}

// NewClient returns a Runner for the real fleet.
func NewClient() *Client {
	return &Client{}
}

func (c *Client) dial(t Target) (*ssh.Client, error) {
	cfg, err := t.clientConfig()
	if err != nil {
		return nil, err
	}
	conn, err := ssh.Dial("tcp", t.addr(), cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.addr(), err)
	}
	return conn, nil
}

// Run executes a command and returns combined stdout. The operation is
// bounded by the target's operation timeout and the context; on expiry the
// connection is torn down, which unblocks the session.
func (c *Client) Run(ctx context.Context, t Target, cmd string) (string, error) {
	opTimeout := t.OperationTimeout
	if opTimeout == 0 {
		opTimeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	conn, err := c.dial(t)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return out.String(), fmt.Errorf("run %q on %s: %w", cmd, t.Host, err)
		}
		return out.String(), nil
	case <-ctx.Done():
		conn.Close()
		return out.String(), fmt.Errorf("run %q on %s: %w", cmd, t.Host, ctx.Err())
	}
}

// RunDetached starts a command without waiting for completion. Used for
// reboots, where the connection drops before the command could exit.
func (c *Client) RunDetached(ctx context.Context, t Target, cmd string) error {
	conn, err := c.dial(t)
	if err != nil {
		return err
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer session.Close()

	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start %q on %s: %w", cmd, t.Host, err)
	}
	// Give the remote shell a moment to pick the command up.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return nil
}

// Upload copies content to remotePath with the given octal mode string.
func (c *Client) Upload(ctx context.Context, t Target, content io.Reader, size int64, remotePath, mode string) error {
	opTimeout := t.OperationTimeout
	if opTimeout == 0 {
		opTimeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	conn, err := c.dial(t)
	if err != nil {
		return err
	}
	defer conn.Close()

	scpClient, err := scp.NewClientBySSH(conn)
	if err != nil {
		return fmt.Errorf("scp client: %w", err)
	}
	defer scpClient.Close()

	if mode == "" {
		mode = "0644"
	}
	if err := scpClient.Copy(ctx, content, remotePath, mode, size); err != nil {
		return fmt.Errorf("scp %s to %s: %w", remotePath, t.Host, err)
	}
	return nil
}
