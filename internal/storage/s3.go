package storage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"caseline/internal/domain"
)

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores uploads as private objects in one bucket.
type S3 struct {
	Client    putter
	Bucket    string
	PublicURL string
}

// NewS3 builds a path-style client from the default AWS credential chain so
// it also works against S3-compatible emulators.
func NewS3(ctx context.Context, bucket, region, endpoint, publicURL string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
		UsePathStyle: true,
	}
	if region != "" {
		opts.Region = region
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return &S3{Client: s3.New(opts), Bucket: bucket, PublicURL: publicURL}, nil
}

func (s *S3) Resolve(ctx context.Context, u Upload) (domain.FileRef, error) {
	key := objectKey(u)
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   u.Body,
		ACL:    types.ObjectCannedACLPrivate,
	}
	if u.MimeType != "" {
		in.ContentType = aws.String(u.MimeType)
	}
	if u.Size > 0 {
		in.ContentLength = aws.Int64(u.Size)
	}
	if _, err := s.Client.PutObject(ctx, in); err != nil {
		return domain.FileRef{}, fmt.Errorf("put s3://%s/%s: %w", s.Bucket, key, err)
	}
	ref := domain.FileRef{Provider: "s3", ProviderID: key, URL: fmt.Sprintf("s3://%s/%s", s.Bucket, key)}
	if s.PublicURL != "" {
		u, err := url.JoinPath(s.PublicURL, key)
		if err != nil {
			return domain.FileRef{}, err
		}
		ref.URL = u
	}
	return ref, nil
}
