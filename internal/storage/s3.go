package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3Store is the S3-backed ObjectStore.
type s3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func newS3Store(ctx context.Context, bucket, prefix string) (*s3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &s3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

func (s *s3Store) key(key string) string {
	return joinKey(s.prefix, key)
}

func (s *s3Store) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(key))
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("s3 get %s failed: %w", s.Location(key), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", s.Location(key), err)
	}
	return body, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 upload to %s failed: %w", s.Location(key), err)
	}
	return nil
}

func (s *s3Store) Download(ctx context.Context, key, localPath string) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return ErrNotExist
		}
		return fmt.Errorf("s3 get %s failed: %w", s.Location(key), err)
	}
	defer resp.Body.Close()
	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file at %s: %w", localPath, err)
	}
	defer localFile.Close()
	if _, err := io.Copy(localFile, resp.Body); err != nil {
		return fmt.Errorf("failed to copy object to local file: %w", err)
	}
	return nil
}

func (s *s3Store) Upload(ctx context.Context, key, localPath string) error {
	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			localFile, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer localFile.Close()

			uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()

			_, err = s.uploader.Upload(uploadCtx, &s3.PutObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(key)),
				Body:   localFile,
			})
			if err != nil {
				return fmt.Errorf("s3 upload failed: %w", err)
			}
			return nil
		}()
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"s3Object", s.Location(key),
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", s.Location(key), lastErr)
}

func (s *s3Store) PutFileIfAbsent(ctx context.Context, key, localPath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("could not open local file %s: %w", localPath, err)
	}
	defer localFile.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(key)),
		Body:        localFile,
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("s3 conditional put to %s failed: %w", s.Location(key), err)
	}
	return nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head %s failed: %w", s.Location(key), err)
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", full, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(strings.TrimPrefix(aws.ToString(obj.Key), s.prefix), "/"))
		}
	}
	return keys, nil
}
