package filestore

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/declarest/declarest/pkg/config"
)

// sftpDialTimeout bounds the SSH handshake for one store group.
const sftpDialTimeout = 15 * time.Second

// sftpConn is one SSH connection shared by every store in a credential
// group. The dial is lazy so resolving stores never pays for connections
// the request does not touch.
type sftpConn struct {
	cfg config.SFTPStore

	once   sync.Once
	sshc   *ssh.Client
	client *sftp.Client
	err    error
}

func newSFTPConn(cfg config.SFTPStore) *sftpConn {
	return &sftpConn{cfg: cfg}
}

func (c *sftpConn) get() (*sftp.Client, error) {
	c.once.Do(func() {
		addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
		sshCfg := &ssh.ClientConfig{
			User:            c.cfg.Username,
			Auth:            []ssh.AuthMethod{ssh.Password(c.cfg.Password)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106 - stores are operator-configured internal hosts
			Timeout:         sftpDialTimeout,
		}

		sshc, err := ssh.Dial("tcp", addr, sshCfg)
		if err != nil {
			c.err = fmt.Errorf("failed to connect to sftp host %s: %w", addr, err)
			return
		}

		client, err := sftp.NewClient(sshc)
		if err != nil {
			sshc.Close()
			c.err = fmt.Errorf("failed to open sftp session on %s: %w", addr, err)
			return
		}

		c.sshc = sshc
		c.client = client
	})
	return c.client, c.err
}

func (c *sftpConn) close() {
	if c.client != nil {
		c.client.Close()
	}
	if c.sshc != nil {
		c.sshc.Close()
	}
}

type sftpStore struct {
	name     string
	basePath string
	optional bool
	conn     *sftpConn
}

func newSFTPStore(name string, cfg config.SFTPStore, conn *sftpConn) *sftpStore {
	return &sftpStore{name: name, basePath: cfg.BasePath, optional: cfg.Optional, conn: conn}
}

func (s *sftpStore) Name() string   { return s.name }
func (s *sftpStore) Optional() bool { return s.optional }

func (s *sftpStore) path(relPath string) string {
	return path.Join(s.basePath, relPath)
}

func (s *sftpStore) Exists(_ context.Context, relPath string) (bool, error) {
	client, err := s.conn.get()
	if err != nil {
		return false, err
	}
	if _, err := client.Stat(s.path(relPath)); err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sftpStore) Write(ctx context.Context, relPath string, content io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := s.conn.get()
	if err != nil {
		return err
	}

	dest := s.path(relPath)
	if err := client.MkdirAll(path.Dir(dest)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	f, err := client.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(f, content, buf); err != nil {
		return fmt.Errorf("failed to write remote file: %w", err)
	}
	return nil
}

func (s *sftpStore) Delete(_ context.Context, relPath string) error {
	client, err := s.conn.get()
	if err != nil {
		return err
	}
	if err := client.Remove(s.path(relPath)); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

func (s *sftpStore) Open(_ context.Context, relPath string) (io.ReadCloser, error) {
	client, err := s.conn.get()
	if err != nil {
		return nil, err
	}
	return client.Open(s.path(relPath))
}

// The sftp client normalizes SSH_FX_NO_SUCH_FILE to os.ErrNotExist.
func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
