package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Options configures the result bucket. Endpoint and static credentials
// are optional; without them the default AWS chain applies.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Client stores compressed results in a bucket.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Client creates a new S3 client
func NewS3Client(ctx context.Context, o S3Options) (*S3Client, error) {
	if o.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	var loadOpts []func(*awscfg.LoadOptions) error
	if o.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(o.Region))
	}
	if o.AccessKeyID != "" && o.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	})
	return &S3Client{
		client:   cli,
		uploader: manager.NewUploader(cli),
		bucket:   o.Bucket,
		prefix:   strings.Trim(o.Prefix, "/"),
	}, nil
}

// ResultKey is the object key of a job's compressed output.
func (s *S3Client) ResultKey(jobID, fileName string) string {
	return path.Join(s.prefix, "results", jobID, fileName)
}

// UploadResult stores data and returns its s3:// URL.
func (s *S3Client) UploadResult(ctx context.Context, jobID, fileName string, data []byte, meta map[string]string) (string, error) {
	key := s.ResultKey(jobID, fileName)
	md := map[string]string{"job_id": jobID, "created": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range meta {
		md[k] = v
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(data),
		ContentType:        aws.String("application/pdf"),
		ContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", fileName)),
		Metadata:           md,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	url := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	log.Info().Str("job_id", jobID).Str("s3_url", url).Int("size", len(data)).Msg("uploaded compressed result to S3")
	return url, nil
}

// Open streams an object previously written by UploadResult.
func (s *S3Client) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download from S3: %w", err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// Ping checks that the bucket is reachable.
func (s *S3Client) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

// SplitURL parses s3://bucket/key.
func SplitURL(u string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(u, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid s3 url: %s", u)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url: %s", u)
	}
	return bucket, key, nil
}
