package anchor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
)

// PutObjectAPI is the slice of the S3 client used for anchoring.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3 (or S3-compatible) anchor.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

// S3Anchor writes commitments as objects in a bucket.
type S3Anchor struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Anchor builds an anchor from the default AWS credential chain.
func NewS3Anchor(ctx context.Context, cfg S3Config) (*S3Anchor, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3AnchorWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3AnchorWithClient wraps an existing client.
func NewS3AnchorWithClient(client PutObjectAPI, bucket, prefix string) *S3Anchor {
	return &S3Anchor{client: client, bucket: bucket, prefix: prefix}
}

// Anchor uploads the commitment and returns its s3:// locator.
func (a *S3Anchor) Anchor(ctx context.Context, rec audit.CommitmentRecord) (string, error) {
	body, err := Payload(rec)
	if err != nil {
		return "", err
	}
	key := ObjectKey(a.prefix, rec)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"session-id":  rec.SessionID,
			"merkle-root": rec.MerkleRoot,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}
