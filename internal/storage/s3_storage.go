package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"makeover/internal/config"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3Options 同时覆盖 AWS S3 与 R2 等 S3 兼容服务。
type s3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
}

func (o s3Options) validate(backend string) error {
	switch {
	case o.Bucket == "":
		return fmt.Errorf("storage: missing %s bucket", backend)
	case o.Region == "":
		return fmt.Errorf("storage: missing %s region", backend)
	case o.AccessKeyID == "" || o.SecretAccessKey == "":
		return fmt.Errorf("storage: missing %s credentials", backend)
	}
	return nil
}

func s3OptionsFromConfig(cfg config.Config) (s3Options, error) {
	opts := s3Options{
		Bucket:          strings.TrimSpace(cfg.StorageS3Bucket),
		Prefix:          cfg.StorageS3Prefix,
		Region:          strings.TrimSpace(cfg.StorageS3Region),
		Endpoint:        strings.TrimSpace(cfg.StorageS3Endpoint),
		AccessKeyID:     strings.TrimSpace(cfg.StorageS3AccessKeyID),
		SecretAccessKey: strings.TrimSpace(cfg.StorageS3SecretAccessKey),
		SessionToken:    strings.TrimSpace(cfg.StorageS3SessionToken),
		ForcePathStyle:  cfg.StorageS3ForcePathStyle,
	}
	return opts, opts.validate("S3")
}

// r2OptionsFromConfig 未显式配置 endpoint 时按账户 id 推导。
func r2OptionsFromConfig(cfg config.Config) (s3Options, error) {
	opts := s3Options{
		Bucket:          strings.TrimSpace(cfg.StorageR2Bucket),
		Prefix:          cfg.StorageR2Prefix,
		Region:          strings.TrimSpace(cfg.StorageR2Region),
		Endpoint:        strings.TrimSpace(cfg.StorageR2Endpoint),
		AccessKeyID:     strings.TrimSpace(cfg.StorageR2AccessKeyID),
		SecretAccessKey: strings.TrimSpace(cfg.StorageR2SecretAccessKey),
		ForcePathStyle:  true,
	}
	if opts.Region == "" {
		opts.Region = "auto"
	}
	if opts.Endpoint == "" {
		accountID := strings.TrimSpace(cfg.StorageR2AccountID)
		if accountID == "" {
			return opts, errors.New("storage: missing R2 endpoint or account id")
		}
		opts.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}
	return opts, opts.validate("R2")
}

func newS3Archive(backend string, opts s3Options) (*archive, error) {
	client := s3.NewFromConfig(aws.Config{
		Region: opts.Region,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		),
	}, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		if endpoint := opts.Endpoint; endpoint != "" {
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newArchive(backend, opts.Prefix, &s3Objects{client: client, bucket: opts.Bucket}), nil
}

type s3Objects struct {
	client *s3.Client
	bucket string
}

func (s *s3Objects) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *s3Objects) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	return err
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch strings.ToLower(apiErr.ErrorCode()) {
		case "notfound", "nosuchkey", "404":
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "status code: 404")
}
