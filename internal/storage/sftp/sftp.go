// Package sftp provides a RemoteFS over SSH/SFTP, used to stage files on
// remote compute hosts.
package sftp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/models"
)

// Config holds SFTP backend settings.
type Config struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"password"`
	KeyFile        string `json:"key_file"`
	KnownHostsFile string `json:"known_hosts_file"`
	BasePath       string `json:"base_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// downloadMode is applied to files fetched from the remote host.
const downloadMode = 0644

// Backend implements storage.RemoteFS over SFTP.
type Backend struct {
	cfg    Config
	conn   io.Closer // underlying SSH connection; nil for in-process sessions
	client *sftp.Client
}

func newBackend(cfg Config, client *sftp.Client, conn io.Closer) *Backend {
	return &Backend{cfg: cfg, conn: conn, client: client}
}

// New dials the remote host and opens an SFTP session.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 30
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownHostsCallback(cfg.KnownHostsFile)
		if err != nil {
			return nil, err
		}
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         time.Duration(cfg.TimeoutSeconds) * time.Second,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	dialer := net.Dialer{Timeout: sshCfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open sftp session on %s: %w", cfg.Host, err)
	}

	logging.Debug("sftp session opened", zap.String("host", cfg.Host), zap.String("user", cfg.User))
	return newBackend(cfg, client, conn), nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse sftp config: %w", err)
	}
	return New(ctx, cfg)
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		var signer ssh.Signer
		if cfg.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("key_file or password is required")
	}
	return methods, nil
}

func knownHostsCallback(file string) (ssh.HostKeyCallback, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read known hosts: %w", err)
	}
	var keys []ssh.PublicKey
	for len(data) > 0 {
		_, _, key, _, rest, err := ssh.ParseKnownHosts(data)
		if err != nil {
			break
		}
		keys = append(keys, key)
		data = rest
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no host keys in %s", file)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		for _, k := range keys {
			if string(k.Marshal()) == string(key.Marshal()) {
				return nil
			}
		}
		return fmt.Errorf("host key for %s not in %s", hostname, file)
	}, nil
}

func (b *Backend) fullPath(p string) string {
	if b.cfg.BasePath == "" || path.IsAbs(p) {
		return p
	}
	return path.Join(b.cfg.BasePath, p)
}

func describe(name string, info fs.FileInfo) models.RemoteFileDescriptor {
	return models.RemoteFileDescriptor{
		Name:    name,
		Length:  info.Size(),
		ModTime: info.ModTime().UTC(),
		IsDir:   info.IsDir(),
	}
}

// Stat returns metadata for a remote path.
func (b *Backend) Stat(_ context.Context, p string) (models.RemoteFileDescriptor, error) {
	info, err := b.client.Stat(b.fullPath(p))
	if err != nil {
		return models.RemoteFileDescriptor{}, fmt.Errorf("stat %s on %s: %w", p, b.cfg.Host, err)
	}
	return describe(path.Base(p), info), nil
}

// List returns the entries of a remote directory.
func (b *Backend) List(_ context.Context, dir string) ([]models.RemoteFileDescriptor, error) {
	infos, err := b.client.ReadDir(b.fullPath(dir))
	if err != nil {
		return nil, fmt.Errorf("list %s on %s: %w", dir, b.cfg.Host, err)
	}
	out := make([]models.RemoteFileDescriptor, 0, len(infos))
	for _, info := range infos {
		out = append(out, describe(info.Name(), info))
	}
	return out, nil
}

// MkdirAll creates a remote directory tree.
func (b *Backend) MkdirAll(_ context.Context, dir string) error {
	if err := b.client.MkdirAll(b.fullPath(dir)); err != nil {
		// Another manager may have created it between the check and the create
		if info, statErr := b.client.Stat(b.fullPath(dir)); statErr == nil && info.IsDir() {
			return nil
		}
		return fmt.Errorf("mkdir %s on %s: %w", dir, b.cfg.Host, err)
	}
	return nil
}

// isNotExist also matches the raw status a server returns for Remove,
// which the client does not normalise.
func isNotExist(err error) bool {
	var se *sftp.StatusError
	if errors.As(err, &se) {
		return se.FxCode() == sftp.ErrSSHFxNoSuchFile
	}
	return errors.Is(err, fs.ErrNotExist)
}

// Remove deletes a remote file. A missing file is not an error.
func (b *Backend) Remove(_ context.Context, p string) error {
	err := b.client.Remove(b.fullPath(p))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("delete %s on %s: %w", p, b.cfg.Host, err)
	}
	return nil
}

// RemoveAll deletes a remote directory tree.
func (b *Backend) RemoveAll(_ context.Context, dir string) error {
	err := b.client.RemoveAll(b.fullPath(dir))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("delete tree %s on %s: %w", dir, b.cfg.Host, err)
	}
	return nil
}

// Upload copies a local file to the remote host via a temporary name.
func (b *Backend) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	in, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", localPath, err)
	}

	dst := b.fullPath(remotePath)
	tmp := path.Join(path.Dir(dst), "."+path.Base(dst)+"."+uuid.NewString()[:8]+".tmp")

	out, err := b.client.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s on %s: %w", tmp, b.cfg.Host, err)
	}
	written, err := io.Copy(out, &ctxReader{ctx: ctx, r: in})
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		b.client.Remove(tmp)
		return 0, fmt.Errorf("upload %s to %s: %w", localPath, b.cfg.Host, err)
	}

	if err := b.client.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		logging.WithContext(ctx).Warn("could not set remote modification time", zap.String("path", tmp), zap.Error(err))
	}
	if err := b.client.PosixRename(tmp, dst); err != nil {
		b.client.Remove(tmp)
		return 0, fmt.Errorf("rename %s on %s: %w", dst, b.cfg.Host, err)
	}
	return written, nil
}

// Download copies a remote file to a local path via a temporary name.
func (b *Backend) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	src := b.fullPath(remotePath)
	in, err := b.client.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s on %s: %w", remotePath, b.cfg.Host, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s on %s: %w", remotePath, b.cfg.Host, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("create dirs for %s: %w", localPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".analysismgr-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", localPath, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: in})
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("download %s from %s: %w", remotePath, b.cfg.Host, err)
	}
	os.Chtimes(tmpName, info.ModTime(), info.ModTime())
	if err := os.Chmod(tmpName, downloadMode); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("set mode on %s: %w", localPath, err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename temp to %s: %w", localPath, err)
	}
	return written, nil
}

// CreateExclusive creates a remote file only if it does not exist. SFTP v3
// servers report a generic failure for O_EXCL collisions, so a failed open
// is followed by a Stat to tell "exists" apart from other errors.
func (b *Backend) CreateExclusive(_ context.Context, p string, content []byte) error {
	full := b.fullPath(p)
	f, err := b.client.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		if _, statErr := b.client.Stat(full); statErr == nil {
			return fmt.Errorf("create %s on %s: %w", p, b.cfg.Host, fs.ErrExist)
		}
		return fmt.Errorf("create %s on %s: %w", p, b.cfg.Host, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s on %s: %w", p, b.cfg.Host, err)
	}
	return f.Close()
}

// Host returns the remote host name.
func (b *Backend) Host() string { return b.cfg.Host }

// Type returns "sftp".
func (b *Backend) Type() string { return "sftp" }

// Close ends the SFTP session and the SSH connection.
func (b *Backend) Close() error {
	err := b.client.Close()
	if b.conn == nil {
		return err
	}
	if cerr := b.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
