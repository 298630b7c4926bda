package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"
)

// RemoteConfig configures the S3-compatible remote store. Credential
// resolution follows the standard chain (explicit -> env -> profile ->
// instance role) unless AccessKeyID/SecretAccessKey are set explicitly.
type RemoteConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint, empty for AWS S3 itself
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// RemoteStore is an S3-compatible Store.
type RemoteStore struct {
	client *s3.Client
	bucket string
	logger *zap.Logger
}

// NewRemoteStore builds a RemoteStore from RemoteConfig.
func NewRemoteStore(ctx context.Context, cfg RemoteConfig, logger *zap.Logger) (*RemoteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, wrapTransient("load-config", cfg.Bucket, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &RemoteStore{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func (s *RemoteStore) Put(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return wrapTransient("put", path, err)
	}
	return nil
}

func (s *RemoteStore) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapTransient("get", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapTransient("get-body", path, err)
	}
	return data, nil
}

func (s *RemoteStore) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return wrapTransient("delete", path, err)
	}
	return nil
}

func (s *RemoteStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, wrapTransient("head", path, err)
	}
	return true, nil
}

func (s *RemoteStore) List(ctx context.Context, prefix string) ([]ListEntry, error) {
	var entries []ListEntry
	var token *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, wrapTransient("list", prefix, err)
		}
		for _, obj := range out.Contents {
			entries = append(entries, ListEntry{Path: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return entries, nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if ok := asResponseError(err, &respErr); ok {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

func asResponseError(err error, target **smithyhttp.ResponseError) bool {
	for err != nil {
		if re, ok := err.(*smithyhttp.ResponseError); ok {
			*target = re
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
