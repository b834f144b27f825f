package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const defaultPort = 22

// ExitError reports a remote command that ran to completion and exited
// non-zero. Output holds everything the command wrote before exiting.
type ExitError struct {
	Host    string
	Command string
	Status  int
	Output  []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: command exited with status %d", e.Host, e.Status)
}

// Dialer opens authenticated SSH connections with a single key pair.
// The zero value is unusable; User and KeyPath are required.
type Dialer struct {
	User    string
	KeyPath string
	Timeout time.Duration

	mu     sync.Mutex
	signer ssh.Signer
}

func (d *Dialer) loadSigner() (ssh.Signer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.signer != nil {
		return d.signer, nil
	}
	key, err := os.ReadFile(d.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", d.KeyPath, err)
	}
	d.signer = signer
	return signer, nil
}

// Dial connects to host (port 22 unless one is given) and authenticates
// with the dialer's key. Builders and servers are provisioned machines
// on a closed network, so host keys are not verified.
func (d *Dialer) Dial(ctx context.Context, host string) (*Client, error) {
	signer, err := d.loadSigner()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.Timeout,
	}

	addr := ensurePortSuffix(host, defaultPort)
	nd := net.Dialer{Timeout: d.Timeout}
	tcpConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, cfg)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &Client{conn: ssh.NewClient(sshConn, chans, reqs), host: host}, nil
}

// Run dials host, executes command and closes the connection. It is the
// one-shot form used for build commands, which need exactly one session.
func (d *Dialer) Run(ctx context.Context, host, command string) ([]byte, error) {
	client, err := d.Dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Run(ctx, command)
}

func ensurePortSuffix(host string, port int) string {
	switch {
	case !strings.Contains(host, ":"):
		return fmt.Sprintf("%s:%d", host, port)
	case strings.HasSuffix(host, "]"):
		return fmt.Sprintf("%s:%d", host, port)
	case strings.Count(host, ":") > 1 && !strings.Contains(host, "["):
		return fmt.Sprintf("[%s]:%d", host, port)
	default:
		return host
	}
}

// Client is one authenticated SSH connection. Its methods are not safe
// for concurrent use; each worker or install target gets its own.
type Client struct {
	conn *ssh.Client
	host string

	sftpOnce sync.Once
	sftpErr  error
	sftp     *sftp.Client
}

// Host returns the name the client was dialed with.
func (c *Client) Host() string { return c.host }

// Run executes command in a fresh session and returns its combined
// stdout and stderr. Cancelling ctx tears down the session, which
// aborts the remote command; a non-zero exit comes back as *ExitError
// alongside whatever output was captured.
func (c *Client) Run(ctx context.Context, command string) ([]byte, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%s: opening session: %w", c.host, err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(command)
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", c.host, ctx.Err())
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return out, &ExitError{Host: c.host, Command: command, Status: exitErr.ExitStatus(), Output: out}
	}
	if err != nil {
		return out, fmt.Errorf("%s: running command: %w", c.host, err)
	}
	return out, nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		c.sftp, c.sftpErr = sftp.NewClient(c.conn)
	})
	if c.sftpErr != nil {
		return nil, fmt.Errorf("%s: opening sftp subsystem: %w", c.host, c.sftpErr)
	}
	return c.sftp, nil
}

// Put streams r to path on the remote side, truncating any previous
// file. The SFTP subsystem is opened on first use and kept for the
// lifetime of the client.
func (c *Client) Put(ctx context.Context, r io.Reader, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", c.host, err)
	}
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	f, err := sc.Create(path)
	if err != nil {
		return fmt.Errorf("%s: creating %s: %w", c.host, path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%s: writing %s: %w", c.host, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%s: closing %s: %w", c.host, path, err)
	}
	return nil
}

// Close tears down the SFTP subsystem, if open, and the connection.
func (c *Client) Close() error {
	if c.sftp != nil {
		c.sftp.Close()
	}
	return c.conn.Close()
}
