// Package s3 stores artifacts in an S3-compatible bucket. It serves
// deployments where builder workers and query processes do not share a
// filesystem.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/arbor-rag/arbor/internal/util"
	"github.com/arbor-rag/arbor/pkg/store"
)

// Store keeps artifacts as objects in a single bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// NewStore builds a client from AWS_REGION, AWS_ENDPOINT, AWS_ACCESS_KEY,
// AWS_SECRET_KEY and AWS_BUCKET. Path-style addressing is used so MinIO
// and other self-hosted endpoints work out of the box.
func NewStore(ctx context.Context) (*Store, error) {
	bucket := util.GetEnv("AWS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("AWS_BUCKET is not set")
	}

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(util.GetEnv("AWS_REGION")),
		config.WithBaseEndpoint(util.GetEnv("AWS_ENDPOINT")),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			util.GetEnv("AWS_ACCESS_KEY"),
			util.GetEnv("AWS_SECRET_KEY"),
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &Store{client: client, bucket: bucket}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get artifact %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := s.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return fmt.Errorf("failed to list artifacts under %s: %w", prefix, err)
		}
		if len(listOutput.Contents) == 0 {
			break
		}

		var objects []types.ObjectIdentifier
		for _, obj := range listOutput.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete artifacts under %s: %w", prefix, err)
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := s.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list artifacts under %s: %w", prefix, err)
		}
		for _, obj := range listOutput.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}
	return keys, nil
}
