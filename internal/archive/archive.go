// Package archive persists login-history entries evicted from an account's
// bounded history to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/welldanyogia/authgate/internal/config"
	"github.com/welldanyogia/authgate/internal/metrics"
	"github.com/welldanyogia/authgate/internal/repository"
)

// KeyPrefix is the object key prefix under which history batches are written.
const KeyPrefix = "login-history/"

// Archiver stores evicted login-history entries.
type Archiver interface {
	Archive(ctx context.Context, accountID string, entries []repository.LoginRecord) error
}

// NopArchiver discards entries. It is used when no bucket is configured.
type NopArchiver struct{}

// Archive does nothing.
func (NopArchiver) Archive(context.Context, string, []repository.LoginRecord) error { return nil }

// Batch is the JSON document written per archive call.
type Batch struct {
	AccountID  string                   `json:"accountId"`
	ArchivedAt time.Time                `json:"archivedAt"`
	Entries    []repository.LoginRecord `json:"entries"`
}

// S3Archiver writes one JSON object per batch to S3/MinIO.
type S3Archiver struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

// NewS3Archiver creates an archiver with an S3 client configured for
// MinIO-style path addressing.
func NewS3Archiver(cfg config.ArchiveConfig) *S3Archiver {
	var endpointURL string
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		endpointURL = cfg.Endpoint
	} else {
		protocol := "http"
		if cfg.UseSSL {
			protocol = "https"
		}
		endpointURL = protocol + "://" + cfg.Endpoint
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		BaseEndpoint:               aws.String(endpointURL),
		UsePathStyle:               true,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})

	return &S3Archiver{client: client, bucket: cfg.Bucket, now: time.Now}
}

// Key returns the object key for a batch archived at the given time.
func Key(accountID string, at time.Time) string {
	return fmt.Sprintf("%s%s/%d.json", KeyPrefix, accountID, at.UnixNano())
}

// Archive writes entries as a single object. An empty batch is a no-op.
func (a *S3Archiver) Archive(ctx context.Context, accountID string, entries []repository.LoginRecord) error {
	if len(entries) == 0 {
		return nil
	}

	now := a.now().UTC()
	body, err := json.Marshal(Batch{AccountID: accountID, ArchivedAt: now, Entries: entries})
	if err != nil {
		return fmt.Errorf("encode history batch: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(Key(accountID, now)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		metrics.ArchivedHistoryTotal.WithLabelValues("error").Add(float64(len(entries)))
		return fmt.Errorf("failed to archive login history for %s: %w", accountID, err)
	}

	metrics.ArchivedHistoryTotal.WithLabelValues("success").Add(float64(len(entries)))
	return nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (a *S3Archiver) Ping(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("archive bucket %s unreachable: %w", a.bucket, err)
	}
	return nil
}
