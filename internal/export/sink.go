package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink is where archives are written. Writers commit on Close; a writer that
// also implements Abort discards what was written instead.
type Sink interface {
	Create(ctx context.Context, name string) (io.WriteCloser, error)
}

type aborter interface {
	Abort() error
}

func abort(w io.WriteCloser) error {
	if a, ok := w.(aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// FileSink writes archives into a local directory. Files appear under their
// final name only once complete.
type FileSink struct {
	Dir string
}

// Create opens a temporary file next to the final path.
func (s FileSink) Create(_ context.Context, name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	final := filepath.Join(s.Dir, filepath.Base(name))
	f, err := os.CreateTemp(s.Dir, "."+filepath.Base(name)+".*")
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	return &fileWriter{File: f, final: final}, nil
}

type fileWriter struct {
	*os.File
	final string
}

func (w *fileWriter) Close() error {
	if err := w.File.Sync(); err != nil {
		w.Abort()
		return err
	}
	if err := w.File.Close(); err != nil {
		os.Remove(w.File.Name())
		return err
	}
	return os.Rename(w.File.Name(), w.final)
}

func (w *fileWriter) Abort() error {
	w.File.Close()
	return os.Remove(w.File.Name())
}

// S3Config locates the export bucket.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string
}

// S3Sink streams archives to S3 with the multipart upload manager, so an
// archive never has to fit in memory.
type S3Sink struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Sink loads AWS configuration from the environment and builds a sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkFromClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkFromClient builds a sink around an existing client.
func NewS3SinkFromClient(client manager.UploadAPIClient, bucket, prefix string) *S3Sink {
	return &S3Sink{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Create starts an upload fed by the returned writer.
func (s *S3Sink) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, cancel: cancel, done: make(chan error, 1)}
	key := s.prefix + name
	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        pr,
			ContentType: aws.String("application/x-ndjson"),
		})
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

type s3Writer struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	defer w.cancel()
	w.pw.Close()
	if err := <-w.done; err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// Abort cancels the upload; the manager removes uploaded parts.
func (w *s3Writer) Abort() error {
	w.cancel()
	w.pw.CloseWithError(context.Canceled)
	<-w.done
	return nil
}
