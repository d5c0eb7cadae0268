// Package s3 provides a RemoteFS over S3-compatible object storage. It is
// used both as a remote transfer target and as the object-store archive tier.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/metrics"
	"github.com/dmspipeline/analysismgr/internal/models"
)

const (
	// mtimeKey is the user metadata key holding the source file's modification time.
	mtimeKey = "mtime"
	// downloadMode is applied to downloaded files.
	downloadMode = 0644
)

// BackendConfig is a JSON-serializable config for S3 backends.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// S3Backend implements storage.RemoteFS using S3/MinIO. Directories are
// key prefixes; MkdirAll is therefore always idempotent.
type S3Backend struct {
	client   *s3.Client
	bucket   string
	prefix   string
	endpoint string
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Backend{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		endpoint: cfg.Endpoint,
	}, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func (b *S3Backend) key(p string) string {
	p = strings.Trim(p, "/")
	if b.prefix == "" {
		return p
	}
	return path.Join(b.prefix, p)
}

func (b *S3Backend) dirPrefix(dir string) string {
	k := b.key(dir)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func modTime(meta map[string]string, lastModified *time.Time) time.Time {
	if v, ok := meta[mtimeKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	if lastModified != nil {
		return lastModified.UTC()
	}
	return time.Time{}
}

// Stat returns metadata for an object, or for a prefix holding at least one object.
func (b *S3Backend) Stat(ctx context.Context, p string) (models.RemoteFileDescriptor, error) {
	start := time.Now()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err == nil {
		metrics.RecordS3Operation("head_object", time.Since(start), true)
		return models.RemoteFileDescriptor{
			Name:    path.Base(p),
			Length:  aws.ToInt64(out.ContentLength),
			ModTime: modTime(out.Metadata, out.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		return models.RemoteFileDescriptor{}, fmt.Errorf("head %s: %w", p, err)
	}
	metrics.RecordS3Operation("head_object", time.Since(start), true)

	list, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.dirPrefix(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return models.RemoteFileDescriptor{}, fmt.Errorf("list %s: %w", p, err)
	}
	if len(list.Contents) == 0 {
		return models.RemoteFileDescriptor{}, fmt.Errorf("stat %s: %w", p, fs.ErrNotExist)
	}
	return models.RemoteFileDescriptor{Name: path.Base(p), IsDir: true}, nil
}

// List returns the objects and common prefixes directly under dir.
func (b *S3Backend) List(ctx context.Context, dir string) ([]models.RemoteFileDescriptor, error) {
	prefix := b.dirPrefix(dir)
	var out []models.RemoteFileDescriptor

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordS3Operation("list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		metrics.RecordS3Operation("list_objects", time.Since(start), true)

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			out = append(out, models.RemoteFileDescriptor{Name: name, IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			out = append(out, models.RemoteFileDescriptor{
				Name:    name,
				Length:  aws.ToInt64(obj.Size),
				ModTime: modTime(nil, obj.LastModified),
			})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("list %s: %w", dir, fs.ErrNotExist)
	}
	return out, nil
}

// MkdirAll is a no-op: prefixes exist implicitly.
func (b *S3Backend) MkdirAll(_ context.Context, _ string) error { return nil }

// Remove deletes one object. S3 deletes of missing keys succeed.
func (b *S3Backend) Remove(ctx context.Context, p string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// RemoveAll deletes every object under the prefix.
func (b *S3Backend) RemoveAll(ctx context.Context, dir string) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.dirPrefix(dir)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", dir, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		start := time.Now()
		_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		metrics.RecordS3Operation("delete_objects", time.Since(start), err == nil)
		if err != nil {
			return fmt.Errorf("delete tree %s: %w", dir, err)
		}
	}
	return nil
}

// Upload puts a local file, recording its modification time as user metadata.
func (b *S3Backend) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", localPath, err)
	}

	start := time.Now()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(remotePath)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{mtimeKey: info.ModTime().UTC().Format(time.RFC3339Nano)},
	})
	if err != nil {
		metrics.RecordS3Operation("put_object", time.Since(start), false)
		return 0, fmt.Errorf("put object %s: %w", remotePath, err)
	}
	metrics.RecordS3Operation("put_object", time.Since(start), true)

	logging.WithContext(ctx).Debug("S3 put object", zap.String("key", b.key(remotePath)), zap.Int64("size", info.Size()))
	return info.Size(), nil
}

// Download gets an object into a local file via a temporary name.
func (b *S3Backend) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(remotePath)),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		if isNotFound(err) {
			return 0, fmt.Errorf("get object %s: %w", remotePath, fs.ErrNotExist)
		}
		return 0, fmt.Errorf("get object %s: %w", remotePath, err)
	}
	defer out.Body.Close()
	metrics.RecordS3Operation("get_object", time.Since(start), true)

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("create dirs for %s: %w", localPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".analysismgr-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", localPath, err)
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, out.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("download %s: %w", remotePath, err)
	}
	if mt := modTime(out.Metadata, out.LastModified); !mt.IsZero() {
		os.Chtimes(tmpName, mt, mt)
	}
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

// CreateExclusive uses a conditional put (If-None-Match: *).
func (b *S3Backend) CreateExclusive(ctx context.Context, p string, content []byte) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(p)),
		Body:        strings.NewReader(string(content)),
		IfNoneMatch: aws.String("*"),
	})
	metrics.RecordS3Operation("put_object_exclusive", time.Since(start), err == nil)
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("create %s: %w", p, fs.ErrExist)
		}
		return fmt.Errorf("create %s: %w", p, err)
	}
	return nil
}

// Host returns the endpoint and bucket.
func (b *S3Backend) Host() string {
	if b.endpoint == "" {
		return "s3://" + b.bucket
	}
	return b.endpoint + "/" + b.bucket
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
