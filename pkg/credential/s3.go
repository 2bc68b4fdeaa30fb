package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/segmentoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3Signer presigns PUT URLs locally for an S3-compatible bucket, for
// deployments that upload straight to a bucket instead of going through
// the identity service.
type s3Signer struct {
	log           logrus.FieldLogger
	cfg           *config.S3CredentialConfig
	presignClient *s3.PresignClient
	expiry        time.Duration
}

// Ensure interface compliance.
var _ Signer = (*s3Signer)(nil)

// NewS3Signer creates a presigning signer from the given configuration.
func NewS3Signer(
	log logrus.FieldLogger,
	cfg *config.S3CredentialConfig,
) (Signer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	expiry, err := cfg.ExpiryDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing expiry: %w", err)
	}

	return &s3Signer{
		log:           log.WithField("component", "s3-signer"),
		cfg:           cfg,
		presignClient: s3.NewPresignClient(newS3Client(cfg)),
		expiry:        expiry,
	}, nil
}

// SignUpload returns a presigned PUT URL for the prefixed key.
func (s *s3Signer) SignUpload(ctx context.Context, key string) (string, error) {
	objectKey := s.objectKey(key)

	result, err := s.presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning upload for %q: %w", objectKey, err)
	}

	s.log.WithFields(logrus.Fields{
		"key":    objectKey,
		"bucket": s.cfg.Bucket,
	}).Debug("Presigned upload url")

	return result.URL, nil
}

// objectKey applies the configured prefix to key.
func (s *s3Signer) objectKey(key string) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}

	return prefix + "/" + strings.TrimLeft(key, "/")
}

// newS3Client constructs an S3 client from the credential config.
func newS3Client(cfg *config.S3CredentialConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
