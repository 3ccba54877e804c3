package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cloudwx/weather-collector/internal/weather"
)

// S3API is the slice of the S3 client the publisher needs. Tests substitute a
// fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
}

// KMSAPI is the slice of the KMS client used for managed-key bootstrap.
type KMSAPI interface {
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
}

// Config carries the publisher's storage settings.
type Config struct {
	Bucket string
	Region string

	// KMSKeyID enables SSE-KMS on writes when set.
	KMSKeyID string

	// Immutable switches publishes to conditional puts: an existing key with
	// different content fails with WriteConflictError instead of being
	// overwritten.
	Immutable bool
}

// Publisher writes canonical weather records to an S3 bucket under
// deterministic keys.
type Publisher struct {
	client S3API
	kms    KMSAPI
	cfg    Config
}

func NewPublisher(client S3API, kmsClient KMSAPI, cfg Config) *Publisher {
	return &Publisher{
		client: client,
		kms:    kmsClient,
		cfg:    cfg,
	}
}

// Key derives the storage key for a record: {location}/{date}/{time}.json from
// the UTC observation instant. Equal location and timestamp always map to the
// same key, so repeated runs overwrite rather than duplicate.
func Key(location string, observedAt time.Time) string {
	t := observedAt.UTC()
	return fmt.Sprintf("%s/%s/%s.json", location, t.Format("2006-01-02"), t.Format("15:04:05"))
}

// Publish serializes the record canonically and writes it under its derived
// key with content type application/json. The write is idempotent for
// identical content; in immutable mode a differing existing object yields
// WriteConflictError.
func (p *Publisher) Publish(ctx context.Context, rec weather.Record, runID string) (string, error) {
	body, err := rec.MarshalCanonical()
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	key := Key(rec.Location, rec.ObservedAt)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if runID != "" {
		input.Metadata = map[string]string{"run-id": runID}
	}
	if p.cfg.KMSKeyID != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(p.cfg.KMSKeyID)
	}
	if p.cfg.Immutable {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		if p.cfg.Immutable && isPreconditionFailed(err) {
			return p.resolveConflict(ctx, key, body)
		}
		return "", &weather.StorageUnavailableError{Op: "put " + key, Err: err}
	}
	return key, nil
}

// resolveConflict distinguishes a benign re-publish from a true conflict by
// comparing the stored bytes against the new document.
func (p *Publisher) resolveConflict(ctx context.Context, key string, body []byte) (string, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", &weather.StorageUnavailableError{Op: "get " + key, Err: err}
	}
	defer out.Body.Close()

	stored, err := io.ReadAll(out.Body)
	if err != nil {
		return "", &weather.StorageUnavailableError{Op: "get " + key, Err: err}
	}
	if bytes.Equal(stored, body) {
		return key, nil
	}
	return "", &weather.WriteConflictError{Key: key}
}

// EnsureBucket creates the bucket if it does not exist and, when a KMS key is
// configured, sets it as the bucket's default encryption.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.cfg.Bucket),
	})
	if err == nil {
		return nil
	}
	if !isBucketMissing(err) {
		return &weather.StorageUnavailableError{Op: "head bucket " + p.cfg.Bucket, Err: err}
	}

	log.Printf("storage: creating bucket %s", p.cfg.Bucket)
	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(p.cfg.Bucket),
	}
	if p.cfg.Region != "" && p.cfg.Region != "us-east-1" {
		createInput.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(p.cfg.Region),
		}
	}
	if _, err := p.client.CreateBucket(ctx, createInput); err != nil {
		return &weather.StorageUnavailableError{Op: "create bucket " + p.cfg.Bucket, Err: err}
	}

	if p.cfg.KMSKeyID == "" {
		return nil
	}
	_, err = p.client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(p.cfg.Bucket),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{
				{
					ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
						SSEAlgorithm:   s3types.ServerSideEncryptionAwsKms,
						KMSMasterKeyID: aws.String(p.cfg.KMSKeyID),
					},
				},
			},
		},
	})
	if err != nil {
		return &weather.StorageUnavailableError{Op: "set bucket encryption", Err: err}
	}
	return nil
}

// EnsureKey creates a symmetric KMS key for the collector when none is
// configured, and records its ID for subsequent writes.
func (p *Publisher) EnsureKey(ctx context.Context) error {
	if p.cfg.KMSKeyID != "" {
		return nil
	}
	if p.kms == nil {
		return fmt.Errorf("kms client is not configured")
	}

	log.Printf("storage: creating KMS key for bucket %s", p.cfg.Bucket)
	out, err := p.kms.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String("Key for weather collector"),
		KeyUsage:    kmstypes.KeyUsageTypeEncryptDecrypt,
		KeySpec:     kmstypes.KeySpecSymmetricDefault,
		Tags: []kmstypes.Tag{
			{TagKey: aws.String("Purpose"), TagValue: aws.String("weather-collector")},
		},
	})
	if err != nil {
		return &weather.StorageUnavailableError{Op: "create kms key", Err: err}
	}
	p.cfg.KMSKeyID = aws.ToString(out.KeyMetadata.KeyId)
	log.Printf("storage: created KMS key %s", p.cfg.KMSKeyID)
	return nil
}

// KMSKeyID returns the key in use, including one created by EnsureKey.
func (p *Publisher) KMSKeyID() string {
	return p.cfg.KMSKeyID
}

func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "PreconditionFailed"
}

func isBucketMissing(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NotFound" || ae.ErrorCode() == "NoSuchBucket")
}
