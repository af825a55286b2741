package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an S3Store.
type S3Config struct {
	Bucket string

	// Prefix is prepended to every object key (e.g. "uploads/").
	Prefix string

	// URLExpiry is how long presigned locators stay valid. Default: 24h.
	URLExpiry time.Duration

	// MaxSize rejects larger files. 0 means no limit.
	MaxSize int64
}

// S3ClientConfig builds an S3 client without the shared AWS config
// loader. Empty credentials fall back to anonymous access.
type S3ClientConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Client creates an S3 client from static settings. Endpoint and
// UsePathStyle target S3-compatible services such as MinIO.
func NewS3Client(cfg S3ClientConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "livesync",
		}
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		})
	}
	return s3.New(opts)
}

// S3Store stores uploads in an S3 bucket. Locators are presigned GET URLs.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
}

// NewS3Store creates a store over client.
func NewS3Store(client *s3.Client, cfg S3Config) *S3Store {
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 24 * time.Hour
	}
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
	}
}

func (s *S3Store) key(id string) string {
	return s.cfg.Prefix + id
}

// Save uploads the file and returns a presigned URL for it.
func (s *S3Store) Save(ctx context.Context, info FileInfo, r io.Reader) (string, error) {
	if s.cfg.MaxSize > 0 && info.Size > s.cfg.MaxSize {
		return "", ErrTooLarge
	}

	var buf bytes.Buffer
	reader := r
	if s.cfg.MaxSize > 0 {
		reader = io.LimitReader(r, s.cfg.MaxSize+1)
	}
	n, err := io.Copy(&buf, reader)
	if err != nil {
		return "", err
	}
	if s.cfg.MaxSize > 0 && n > s.cfg.MaxSize {
		return "", ErrTooLarge
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := s.key(info.ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"original-filename": SanitizeFilename(info.Filename),
			"upload-time":       time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload: s3 put %s: %w", key, err)
	}

	presigned, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.URLExpiry))
	if err != nil {
		return "", fmt.Errorf("upload: s3 presign %s: %w", key, err)
	}
	return presigned.URL, nil
}

// Open fetches an object.
func (s *S3Store) Open(ctx context.Context, id string) (*File, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("upload: s3 get %s: %w", id, err)
	}

	filename := id
	if fn, ok := out.Metadata["original-filename"]; ok {
		filename = fn
	}
	return &File{
		ID:          id,
		Filename:    filename,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Reader:      out.Body,
	}, nil
}

// Cleanup deletes objects under the prefix older than maxAge.
func (s *S3Store) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	})

	var stale []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) && obj.Key != nil {
				stale = append(stale, *obj.Key)
			}
		}
	}

	var errs []error
	for _, key := range stale {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
