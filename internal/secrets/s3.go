package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used here, narrowed so tests
// can stub it.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Provider fetches objects from S3 by "s3://bucket/key" URL or
// object ARN.
type S3Provider struct {
	Client S3API
}

func (S3Provider) Name() string { return "AWS_S3" }

func (S3Provider) Supports(value string) bool {
	return strings.HasPrefix(value, "s3://") ||
		strings.HasPrefix(value, "arn:aws:s3:::")
}

func (p S3Provider) CacheKey(location string) string {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return p.Name() + ":" + location
	}
	return p.Name() + ":" + bucket + "/" + key
}

func (p S3Provider) Fetch(ctx context.Context, location string) (Resolved, error) {
	if p.Client == nil {
		return Resolved{}, fmt.Errorf("s3 client not configured")
	}
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return Resolved{}, err
	}

	out, err := p.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		var noBucket *s3types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return Resolved{}, fmt.Errorf("object %s/%s: %w", bucket, key, ErrNotFound)
		}
		return Resolved{}, fmt.Errorf("fetching object %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Resolved{}, fmt.Errorf("reading object %s/%s: %w", bucket, key, err)
	}

	// The object store is the only provider that can report a format
	// out of band; key-extension guessing already happened upstream.
	format := FormatUnknown
	if out.ContentType != nil {
		format = FormatFromContentType(*out.ContentType)
	}
	return Resolved{Raw: string(data), Format: format}, nil
}

func parseS3Location(location string) (bucket, key string, err error) {
	var rest string
	switch {
	case strings.HasPrefix(location, "s3://"):
		rest = strings.TrimPrefix(location, "s3://")
	case strings.HasPrefix(location, "arn:aws:s3:::"):
		rest = strings.TrimPrefix(location, "arn:aws:s3:::")
	default:
		return "", "", fmt.Errorf("not an S3 location: %q", location)
	}
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("S3 location %q missing bucket or key", location)
	}
	return rest[:idx], rest[idx+1:], nil
}
