// Package media issues presigned object-storage URLs for errand images,
// completion proofs and chat photos. The server never handles the bytes.
package media

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/apperror"
)

// Upload purposes, used as the first key segment.
const (
	PurposeErrand = "errand"
	PurposeProof  = "proof"
	PurposeChat   = "chat"
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// Config locates the bucket.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	TTL             time.Duration
}

// Upload is a presigned PUT target.
type Upload struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Headers   []string  `json:"headers,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Presigner signs upload and download URLs.
type Presigner struct {
	client *s3.PresignClient
	bucket string
	ttl    time.Duration
}

func NewPresigner(ctx context.Context, cfg Config) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Presigner{client: s3.NewPresignClient(client), bucket: cfg.Bucket, ttl: ttl}, nil
}

// PresignUpload returns a PUT URL for a new object owned by user.
func (p *Presigner) PresignUpload(ctx context.Context, user uuid.UUID, purpose, contentType string) (*Upload, error) {
	if !slices.Contains([]string{PurposeErrand, PurposeProof, PurposeChat}, purpose) {
		return nil, &apperror.ValidationError{Field: "purpose", Reason: fmt.Sprintf("unknown purpose %q", purpose)}
	}
	ext, ok := extensions[contentType]
	if !ok {
		return nil, &apperror.ValidationError{Field: "content_type", Reason: fmt.Sprintf("unsupported type %q", contentType)}
	}

	key := ObjectKey(purpose, user, uuid.New(), ext)
	req, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	var headers []string
	for name := range req.SignedHeader {
		headers = append(headers, name)
	}
	slices.Sort(headers)

	return &Upload{
		Key:       key,
		URL:       req.URL,
		Method:    req.Method,
		Headers:   headers,
		ExpiresAt: time.Now().Add(p.ttl).UTC(),
	}, nil
}

// ObjectKey lays out object names as purpose/user/object.ext.
func ObjectKey(purpose string, user, object uuid.UUID, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", purpose, user, object, ext)
}
