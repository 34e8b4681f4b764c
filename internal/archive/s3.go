// Package archive keeps the exact upstream payload of every fetched record
// in S3 for audit.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

const checksumKey = "sha256"

// ObjectAPI is the subset of the S3 client used by the archiver.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Archiver struct {
	client ObjectAPI
	bucket string
}

func New(ctx context.Context, bucket, region string) (*Archiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	slog.Info("Archiving raw records to S3", "bucket", bucket, "region", region)

	return NewWithClient(s3.NewFromConfig(cfg), bucket), nil
}

func NewWithClient(client ObjectAPI, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// Key returns the object key of a raw record, partitioned by agency and
// fetch month.
func Key(raw recall.RawRecallRecord) string {
	return fmt.Sprintf("raw/%s/%04d/%02d/%s.json",
		strings.ToLower(raw.SourceAgency),
		raw.FetchedAt.Year(),
		int(raw.FetchedAt.Month()),
		url.PathEscape(raw.ExternalID))
}

// Archive uploads the payload unless the stored object already carries the
// same checksum.
func (a *Archiver) Archive(ctx context.Context, raw recall.RawRecallRecord) error {
	key := Key(raw)
	sum := sha256.Sum256(raw.Payload)
	checksum := hex.EncodeToString(sum[:])

	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		if head.Metadata[checksumKey] == checksum {
			return nil
		}
	case !isNotFound(err):
		return fmt.Errorf("failed to check object %s: %w", key, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw.Payload),
		ContentType: aws.String(contentType(raw.Payload)),
		Metadata: map[string]string{
			checksumKey: checksum,
			"agency":    raw.SourceAgency,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	slog.Debug("Raw record archived", "key", key)
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func contentType(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "application/json"
	}
	return "text/html; charset=utf-8"
}
