// Package publish uploads a build output directory to an S3 bucket.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mordilloSan/go_logger/logger"
	"github.com/panjf2000/ants/v2"

	"github.com/mordilloSan/dirindex/metrics"
)

var ErrNoBucket = errors.New("publish bucket is not configured")

// PutObjectAPI is the part of the S3 client the publisher needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ClientConfig describes how to reach the bucket.
type ClientConfig struct {
	Region    string
	Endpoint  string // for S3-compatible services like MinIO
	PathStyle bool
}

// NewS3Client builds an S3 client from the default credential chain.
func NewS3Client(ctx context.Context, cc ClientConfig) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cc.Region != "" {
		opts = append(opts, config.WithRegion(cc.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cc.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(cc.Endpoint)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = cc.PathStyle
	}), nil
}

// Options controls one publish run.
type Options struct {
	Bucket      string
	Prefix      string
	Concurrency int

	// Progress, when set, is called after every successful upload. It may be called concurrently.
	Progress func(key string, size int64)
}

// Result summarizes a publish run.
type Result struct {
	Objects  int
	Bytes    int64
	Duration time.Duration
}

// Publisher uploads files through a bounded worker pool.
type Publisher struct {
	client PutObjectAPI
	opts   Options
}

func New(client PutObjectAPI, opts Options) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, ErrNoBucket
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &Publisher{client: client, opts: opts}, nil
}

type upload struct {
	abs  string
	key  string
	size int64
}

// plan lists the uploads for every regular file under dir, in walk order.
func (p *Publisher) plan(dir string) ([]upload, error) {
	var uploads []upload
	err := filepath.WalkDir(dir, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, abs)
		if err != nil {
			return err
		}
		uploads = append(uploads, upload{abs: abs, key: ObjectKey(p.opts.Prefix, rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return uploads, nil
}

// TotalBytes reports how many bytes a Publish of dir would upload.
func (p *Publisher) TotalBytes(dir string) (int64, error) {
	uploads, err := p.plan(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range uploads {
		total += u.size
	}
	return total, nil
}

// Publish uploads every regular file under dir. The first upload error cancels the
// remaining uploads and is returned once the pool has drained.
func (p *Publisher) Publish(parent context.Context, dir string) (Result, error) {
	start := time.Now()
	uploads, err := p.plan(dir)
	if err != nil {
		return Result{}, err
	}

	pool, err := ants.NewPool(p.opts.Concurrency, ants.WithPreAlloc(true))
	if err != nil {
		return Result{}, fmt.Errorf("create upload pool: %w", err)
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		res      Result
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for _, u := range uploads {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			if err := p.put(ctx, u); err != nil {
				metrics.RecordUpload(u.size, false)
				fail(fmt.Errorf("upload %s: %w", u.key, err))
				return
			}
			metrics.RecordUpload(u.size, true)
			mu.Lock()
			res.Objects++
			res.Bytes += u.size
			mu.Unlock()
			if p.opts.Progress != nil {
				p.opts.Progress(u.key, u.size)
			}
		}); err != nil {
			wg.Done()
			fail(fmt.Errorf("submit %s: %w", u.key, err))
			break
		}
	}
	wg.Wait()

	res.Duration = time.Since(start)
	if firstErr != nil {
		return res, firstErr
	}
	if err := parent.Err(); err != nil {
		return res, err
	}
	logger.Infof("published %d objects (%d bytes) to s3://%s/%s in %s",
		res.Objects, res.Bytes, p.opts.Bucket, p.opts.Prefix, res.Duration.Truncate(time.Millisecond))
	return res, nil
}

func (p *Publisher) put(ctx context.Context, u upload) error {
	f, err := os.Open(u.abs)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.opts.Bucket),
		Key:           aws.String(u.key),
		Body:          f,
		ContentLength: aws.Int64(u.size),
		ContentType:   aws.String(ContentType(u.key)),
	})
	return err
}

// ObjectKey joins the prefix and a relative file path with forward slashes.
func ObjectKey(prefix, rel string) string {
	rel = filepath.ToSlash(rel)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return strings.TrimPrefix(path.Clean("/"+rel), "/")
	}
	return prefix + path.Clean("/"+rel)
}

var contentTypes = map[string]string{
	".txt":  "text/plain; charset=utf-8",
	".xml":  "application/xml",
	".json": "application/json",
}

// ContentType picks the Content-Type for an object key from its extension.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
