package replikv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StoreConfig configures an S3-backed Store. Every record is one
// object, keyed by its path under Prefix.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // for S3-compatible services (MinIO, etc.)

	// Prefer IAM roles or the AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY
	// environment variables over setting these directly.
	AccessKeyID     string
	SecretAccessKey string

	Prefix       string
	UsePathStyle bool
	MaxRetries   int // default: 3
}

// S3Store is a Store backed by S3 or an S3-compatible object store. It
// exists for deployments that want the replicated data durable in
// object storage rather than on local disk, at the cost of request
// latency on every Get/Put.
type S3Store struct {
	client  *s3.Client
	cfg     S3StoreConfig
	retryer *Retryer
}

// NewS3Store creates an S3-backed Store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("replikv: s3 store: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("replikv: loading aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

func (s *S3Store) objectKey(path string) string {
	return s.cfg.Prefix + path
}

type s3RecordWire struct {
	Value       json.RawMessage `json:"value"`
	VectorClock VectorClock     `json:"vectorClock"`
	Origin      string          `json:"origin"`
}

func (s *S3Store) Get(ctx context.Context, path string) (Record, bool, error) {
	val, result := s.retryer.DoWithResult(ctx, func() (any, error) {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.objectKey(path)),
		})
		if err != nil {
			var nsk *s3types.NoSuchKey
			if errors.As(err, &nsk) {
				return nil, nil
			}
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	})
	if result.LastErr != nil {
		return Record{}, false, newStoreError("get", path, result.LastErr)
	}
	if val == nil {
		return Record{}, false, nil
	}

	var wire s3RecordWire
	if err := json.Unmarshal(val.([]byte), &wire); err != nil {
		return Record{}, false, newStoreError("get", path, err)
	}
	value, err := canonicalUnmarshal(wire.Value)
	if err != nil {
		return Record{}, false, newStoreError("get", path, err)
	}
	return Record{Value: value, VectorClock: wire.VectorClock, Origin: wire.Origin}, true, nil
}

func (s *S3Store) Put(ctx context.Context, path string, record Record) error {
	valueJSON, err := canonicalMarshal(record.Value)
	if err != nil {
		return newStoreError("put", path, err)
	}
	body, err := json.Marshal(s3RecordWire{Value: valueJSON, VectorClock: record.VectorClock, Origin: record.Origin})
	if err != nil {
		return newStoreError("put", path, err)
	}

	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.objectKey(path)),
			Body:   bytes.NewReader(body),
		})
		return err
	})
	if result.LastErr != nil {
		return newStoreError("put", path, result.LastErr)
	}
	return nil
}

func (s *S3Store) Del(ctx context.Context, path string) error {
	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.objectKey(path)),
		})
		return err
	})
	if result.LastErr != nil {
		return newStoreError("del", path, result.LastErr)
	}
	return nil
}

func (s *S3Store) Scan(ctx context.Context, prefix string) ([]PathRecord, error) {
	fullPrefix := s.objectKey(prefix)

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, newStoreError("scan", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(*obj.Key, s.cfg.Prefix))
		}
	}

	out := make([]PathRecord, 0, len(keys))
	for _, key := range keys {
		if !isAncestorOrEqual(prefix, key) {
			continue
		}
		rec, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, PathRecord{Path: key, Record: rec})
		}
	}
	return out, nil
}

func (s *S3Store) Close() error { return nil }
