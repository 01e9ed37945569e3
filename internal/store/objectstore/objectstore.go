// Package objectstore uploads inline attachments to S3-compatible object storage.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itzam-ai/itzam/internal/config"
	"github.com/itzam-ai/itzam/internal/store"
)

// objectAPI is the subset of the S3 client the uploader calls.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*presignedRequest, error)
}

// presignedRequest mirrors the URL field of v4.PresignedHTTPRequest.
type presignedRequest struct {
	URL string
}

// Uploader stores attachments under uploads/<owner>/<uuid>/<name> and
// returns either a public URL or a presigned GET URL.
type Uploader struct {
	bucket     string
	publicBase string
	ttl        time.Duration
	objects    objectAPI
	presign    presignAPI
	log        zerolog.Logger
}

var _ store.Uploader = (*Uploader)(nil)

// New builds an Uploader from configuration.
func New(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (*Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Uploader{
		bucket:     cfg.Bucket,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		ttl:        cfg.PresignTTL,
		objects:    client,
		presign:    presigner{s3.NewPresignClient(client)},
		log:        log.With().Str("component", "s3-uploader").Logger(),
	}, nil
}

type presigner struct {
	c *s3.PresignClient
}

func (p presigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*presignedRequest, error) {
	req, err := p.c.PresignGetObject(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return &presignedRequest{URL: req.URL}, nil
}

func objectKey(ownerID, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}
	return path.Join("uploads", ownerID, uuid.NewString(), name)
}

func (u *Uploader) Upload(ctx context.Context, ownerID, name, mimeType string, data []byte) (string, error) {
	key := objectKey(ownerID, name)

	_, err := u.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	u.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("attachment uploaded")

	if u.publicBase != "" {
		return u.publicBase + "/" + key, nil
	}

	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(u.ttl))
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return req.URL, nil
}
