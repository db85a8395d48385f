package indexer

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/pipeline/internal/canonical"
)

// DeadLetterArchiver preserves a failed batch's canonical payload for
// later inspection. It is diagnostic only: archived batches are never
// automatically replayed (spec.md §9's Non-goals exclude durable
// replay of a partially-completed run).
type DeadLetterArchiver interface {
	ArchiveBatch(ctx context.Context, runID, batchID string, payload interface{}) error
}

// S3Archiver uploads canonicalized batch payloads to S3, grounded on
// kernel/internal/audit/s3_archiver.go's upload shape.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver constructs an S3Archiver using ambient AWS credentials
// (AWS_REGION, AWS_PROFILE, etc., picked up by the SDK's default config
// chain, same as the teacher's archiver).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("indexer: dead-letter bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: manager.NewUploader(client)}, nil
}

// ArchiveBatch canonicalizes payload and uploads it to
// s3://<bucket>/<prefix>/deadletter/<runID>/<batchID>.json
func (a *S3Archiver) ArchiveBatch(ctx context.Context, runID, batchID string, payload interface{}) error {
	body, err := canonical.Marshal(payload)
	if err != nil {
		return fmt.Errorf("canonicalize dead-letter batch: %w", err)
	}
	key := path.Join(a.prefix, "deadletter", runID, fmt.Sprintf("%s.json", batchID))
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// NoopArchiver discards batches. Used when no dead-letter bucket is
// configured.
type NoopArchiver struct{}

func (NoopArchiver) ArchiveBatch(ctx context.Context, runID, batchID string, payload interface{}) error {
	return nil
}
