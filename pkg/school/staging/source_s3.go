package staging

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultPrefix is the key prefix the extraction job writes
	// snapshots under, one directory per entity.
	DefaultPrefix = "snapshots"
	// DefaultRegion is the default region for the staging bucket.
	DefaultRegion = "us-east-1"
)

// S3SourceConfig configures the S3 staging source.
type S3SourceConfig struct {
	Bucket      string
	Region      string
	Prefix      string
	EndpointURL string // Optional custom endpoint (for MinIO testing)
	AccessKey   string // Static credentials; empty means anonymous access
	SecretKey   string
	Clock       clockwork.Clock
}

// S3Source implements Source over the staging bucket.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
	clock  clockwork.Clock
}

// NewS3Source creates an S3 staging source.
func NewS3Source(ctx context.Context, cfg S3SourceConfig) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = true // Required for MinIO compatibility
		},
	}
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return &S3Source{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		clock:  cfg.Clock,
	}, nil
}

// FetchLatest retrieves the most recent snapshot for the entity. Keys are
// named with timestamp prefixes, so the latest snapshot is the
// alphabetically last key under the entity's directory.
func (s *S3Source) FetchLatest(ctx context.Context, entity string) (*Snapshot, error) {
	prefix := fmt.Sprintf("%s/%s/", s.prefix, entity)

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && strings.HasSuffix(*obj.Key, ".jsonl") {
				keys = append(keys, *obj.Key)
			}
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no snapshot found for entity %s under s3://%s/%s", entity, s.bucket, prefix)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	latestKey := keys[0]

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(latestKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", latestKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	takenAt, ok := timestampFromKey(latestKey)
	if !ok {
		takenAt = s.clock.Now().UTC()
	}

	return parseSnapshot(entity, latestKey, takenAt, data)
}

// Close releases resources. For S3Source, this is a no-op.
func (s *S3Source) Close() error {
	return nil
}
