package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpStore struct {
	addr     string
	user     string
	password string
	keyPath  string
	baseDir  string
	// connect opens one session per operation.
	connect func() (*sftp.Client, error)
}

func NewSFTPStore() (Store, error) {
	host := os.Getenv("SFTP_HOST")
	user := os.Getenv("SFTP_USER")
	if host == "" || user == "" {
		return nil, fmt.Errorf("SFTP_HOST and SFTP_USER required for sftp connector")
	}
	port := os.Getenv("SFTP_PORT")
	if port == "" {
		port = "22"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid sftp port: %w", err)
	}
	s := &sftpStore{
		addr:     net.JoinHostPort(host, port),
		user:     user,
		password: os.Getenv("SFTP_PASSWORD"),
		keyPath:  os.Getenv("SFTP_KEY_PATH"),
		baseDir:  os.Getenv("SFTP_BASE_DIR"),
	}
	if s.password == "" && s.keyPath == "" {
		return nil, fmt.Errorf("sftp connector requires password or key")
	}
	s.connect = s.dial
	return s, nil
}

func (s *sftpStore) Name() string {
	return "sftp"
}

func (s *sftpStore) Put(_ context.Context, dir, key string, body io.Reader, _ int64) error {
	client, err := s.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	remotePath := s.remotePath(dir, key)
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("sftp mkdir %s: %w", path.Dir(remotePath), err)
	}
	f, err := client.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("sftp open %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("sftp write %s: %w", remotePath, err)
	}
	return nil
}

// sftpFile closes the session together with the file.
type sftpFile struct {
	*sftp.File
	client *sftp.Client
}

func (f sftpFile) Close() error {
	err := f.File.Close()
	if cerr := f.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *sftpStore) Get(_ context.Context, dir, key string) (io.ReadCloser, error) {
	client, err := s.connect()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(s.remotePath(dir, key))
	if err != nil {
		client.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sftp open %s: %w", key, err)
	}
	return sftpFile{File: f, client: client}, nil
}

func (s *sftpStore) Delete(_ context.Context, dir, key string) error {
	client, err := s.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Remove(s.remotePath(dir, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sftp remove %s: %w", key, err)
	}
	return nil
}

func (s *sftpStore) List(_ context.Context, dir, prefix string) ([]string, error) {
	client, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	base := s.remotePath(dir, "")
	full := s.remotePath(dir, prefix)
	root := full
	if !strings.HasSuffix(prefix, "/") {
		root = path.Dir(full)
	}
	var keys []string
	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("sftp walk %s: %w", root, err)
		}
		if walker.Stat().IsDir() || !strings.HasPrefix(walker.Path(), full) {
			continue
		}
		keys = append(keys, trimKeyPrefix(base, walker.Path()))
	}
	return keys, nil
}

func (s *sftpStore) Exists(_ context.Context, dir, key string) (bool, error) {
	client, err := s.connect()
	if err != nil {
		return false, err
	}
	defer client.Close()

	if _, err := client.Stat(s.remotePath(dir, key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("sftp stat %s: %w", key, err)
	}
	return true, nil
}

func (s *sftpStore) dial() (*sftp.Client, error) {
	auths := []ssh.AuthMethod{}
	if s.keyPath != "" {
		key, err := os.ReadFile(s.keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		auths = append(auths, ssh.Password(s.password))
	}
	cfg := ssh.ClientConfig{
		User:            s.user,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", s.addr, &cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	return client, nil
}

// remotePath resolves key under dir, or under the configured base
// directory when dir is empty.
func (s *sftpStore) remotePath(dir, key string) string {
	if strings.TrimSpace(dir) == "" {
		dir = s.baseDir
	}
	return remoteJoin(dir, key)
}

func remoteJoin(dir, key string) string {
	parts := []string{}
	if strings.TrimSpace(dir) != "" {
		parts = append(parts, strings.TrimSuffix(dir, "/"))
	}
	if key != "" {
		parts = append(parts, key)
	}
	if len(parts) == 0 {
		return "."
	}
	return path.Join(parts...)
}
