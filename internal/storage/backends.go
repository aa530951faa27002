package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"flydelta/internal/config"
)

// Compile-time interface checks.
var (
	_ Backend = (*S3Backend)(nil)
	_ Backend = (*GCSBackend)(nil)
	_ Backend = (*AzureBackend)(nil)
)

// S3Backend lists S3 (or S3-compatible) buckets with static credentials.
type S3Backend struct {
	client *s3.Client
}

// NewS3Backend creates an S3 backend. A bare endpoint host is given an https:// scheme;
// URL style "path" selects path-style addressing.
func NewS3Backend(cfg config.StorageConfig) *S3Backend {
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.S3KeyID, cfg.S3Secret, ""),
		UsePathStyle: strings.EqualFold(cfg.S3URLStyle, "path"),
	}
	if cfg.S3Endpoint != "" {
		endpoint := cfg.S3Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return &S3Backend{client: s3.New(opts)}
}

func (b *S3Backend) Exists(ctx context.Context, bucket, prefix string) (bool, error) {
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
	}
	return len(out.Contents) > 0, nil
}

// GCSBackend lists Google Cloud Storage buckets with a service account key.
type GCSBackend struct {
	client *storage.Client
}

// NewGCSBackend creates a GCS backend from a service account key file.
func NewGCSBackend(ctx context.Context, keyFile string) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx, option.WithAuthCredentialsFile(option.ServiceAccount, keyFile))
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSBackend{client: client}, nil
}

func (b *GCSBackend) Exists(ctx context.Context, bucket, prefix string) (bool, error) {
	it := b.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	_, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
	}
	return true, nil
}

// Close closes the GCS client.
func (b *GCSBackend) Close() error { return b.client.Close() }

// AzureBackend lists Azure Blob Storage containers for one account.
type AzureBackend struct {
	client *azblob.Client
}

// NewAzureBackend creates an Azure backend from a connection string or an
// account name and key.
func NewAzureBackend(cfg config.StorageConfig) (*AzureBackend, error) {
	if cfg.AzureConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("create Azure blob client: %w", err)
		}
		return &AzureBackend{client: client}, nil
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureBackend{client: client}, nil
}

func (b *AzureBackend) Exists(ctx context.Context, container, prefix string) (bool, error) {
	maxResults := int32(1)
	pager := b.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix:     &prefix,
		MaxResults: &maxResults,
	})
	if !pager.More() {
		return false, nil
	}
	page, err := pager.NextPage(ctx)
	if err != nil {
		return false, fmt.Errorf("list az://%s/%s: %w", container, prefix, err)
	}
	return page.Segment != nil && len(page.Segment.BlobItems) > 0, nil
}
