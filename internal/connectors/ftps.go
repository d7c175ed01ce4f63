package connectors

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/secsy/goftp"
)

// ftpFileUnavailable is the FTP reply code for a missing file or directory.
const ftpFileUnavailable = 550

type ftpsStore struct {
	config  goftp.Config
	addr    string
	baseDir string
}

func NewFTPSStore() (Store, error) {
	host := os.Getenv("FTPS_HOST")
	user := os.Getenv("FTPS_USER")
	pw := os.Getenv("FTPS_PASSWORD")
	if host == "" || user == "" || pw == "" {
		return nil, fmt.Errorf("FTPS_HOST/FTPS_USER/FTPS_PASSWORD required for ftps connector")
	}
	port := os.Getenv("FTPS_PORT")
	if port == "" {
		port = "21"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid ftps port: %w", err)
	}
	addr := fmt.Sprintf("%s:%s", host, port)
	return &ftpsStore{
		config: goftp.Config{
			User:               user,
			Password:           pw,
			TLSConfig:          &tls.Config{InsecureSkipVerify: true}, // rely on network ACLs for now
			TLSMode:            goftp.TLSExplicit,
			Timeout:            30 * time.Second,
			ConnectionsPerHost: 1,
		},
		addr:    addr,
		baseDir: os.Getenv("FTPS_BASE_DIR"),
	}, nil
}

func (f *ftpsStore) Name() string {
	return "ftps"
}

func (f *ftpsStore) Put(_ context.Context, dir, key string, body io.Reader, _ int64) error {
	client, err := f.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	targetPath := f.remotePath(dir, key)
	if err := f.ensureDir(client, path.Dir(targetPath)); err != nil {
		return err
	}
	if err := client.Store(targetPath, body); err != nil {
		return fmt.Errorf("ftps store %s: %w", key, err)
	}
	return nil
}

func (f *ftpsStore) Get(_ context.Context, dir, key string) (io.ReadCloser, error) {
	client, err := f.dial()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var buf bytes.Buffer
	if err := client.Retrieve(f.remotePath(dir, key), &buf); err != nil {
		if isFTPNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ftps retrieve %s: %w", key, err)
	}
	return io.NopCloser(&buf), nil
}

func (f *ftpsStore) Delete(_ context.Context, dir, key string) error {
	client, err := f.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Delete(f.remotePath(dir, key)); err != nil && !isFTPNotFound(err) {
		return fmt.Errorf("ftps delete %s: %w", key, err)
	}
	return nil
}

func (f *ftpsStore) List(_ context.Context, dir, prefix string) ([]string, error) {
	client, err := f.dial()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	base := f.remotePath(dir, "")
	full := f.remotePath(dir, prefix)
	root := full
	if !strings.HasSuffix(prefix, "/") {
		root = path.Dir(full)
	}
	var keys []string
	if err := f.walk(client, root, func(p string) {
		if strings.HasPrefix(p, full) {
			keys = append(keys, trimKeyPrefix(base, p))
		}
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

func (f *ftpsStore) Exists(_ context.Context, dir, key string) (bool, error) {
	client, err := f.dial()
	if err != nil {
		return false, err
	}
	defer client.Close()

	if _, err := client.Stat(f.remotePath(dir, key)); err != nil {
		if isFTPNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("ftps stat %s: %w", key, err)
	}
	return true, nil
}

func (f *ftpsStore) dial() (*goftp.Client, error) {
	client, err := goftp.DialConfig(f.config, f.addr)
	if err != nil {
		return nil, fmt.Errorf("ftps dial: %w", err)
	}
	return client, nil
}

func (f *ftpsStore) walk(client *goftp.Client, dir string, visit func(string)) error {
	entries, err := client.ReadDir(dir)
	if err != nil {
		if isFTPNotFound(err) {
			return nil
		}
		return fmt.Errorf("ftps readdir %s: %w", dir, err)
	}
	for _, entry := range entries {
		p := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := f.walk(client, p, visit); err != nil {
				return err
			}
			continue
		}
		visit(p)
	}
	return nil
}

func (f *ftpsStore) remotePath(dir, key string) string {
	if strings.TrimSpace(dir) == "" {
		dir = f.baseDir
	}
	return remoteJoin(dir, key)
}

func (f *ftpsStore) ensureDir(client *goftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	segments := strings.Split(dir, "/")
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		current = path.Join(current, segment)
		if _, err := client.Mkdir(current); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "file exists") {
				return fmt.Errorf("ftps mkdir %s: %w", current, err)
			}
		}
	}
	return nil
}

func isFTPNotFound(err error) bool {
	var ftpErr goftp.Error
	return errors.As(err, &ftpErr) && ftpErr.Code() == ftpFileUnavailable
}
