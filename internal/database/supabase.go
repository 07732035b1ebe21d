package database

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hypernova-labs/zatca-service/internal/config"
	"github.com/sirupsen/logrus"
)

// SupabaseClient representa el cliente de storage de Supabase vía S3
type SupabaseClient struct {
	s3Client *s3.Client
	config   *config.SupabaseConfig
	logger   *logrus.Logger
	bucket   string
}

// NewSupabaseClient crea una nueva instancia del cliente de Supabase
func NewSupabaseClient(cfg *config.SupabaseConfig, bucket string, logger *logrus.Logger) (*SupabaseClient, error) {
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               cfg.StorageEndpoint,
			SigningRegion:     cfg.StorageRegion,
			HostnameImmutable: true,
		}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithEndpointResolverWithOptions(customResolver),
		awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
			},
		}),
		awsconfig.WithRegion(cfg.StorageRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS config: %w", err)
	}

	// Path style es obligatorio para el endpoint S3 de Supabase
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &SupabaseClient{
		s3Client: s3Client,
		config:   cfg,
		logger:   logger,
		bucket:   bucket,
	}, nil
}

// HealthCheck verifica la conexión al storage
func (s *SupabaseClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("error checking storage connection: %w", err)
	}

	return nil
}

// UploadFile sube un archivo al bucket y retorna su URL
func (s *SupabaseClient) UploadFile(ctx context.Context, fileName, contentType string, fileData []byte) (string, error) {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fileName),
		Body:          bytes.NewReader(fileData),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(fileData))),
	})
	if err != nil {
		return "", fmt.Errorf("error uploading file to storage: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", s.config.StorageEndpoint, s.bucket, fileName)

	s.logger.WithFields(logrus.Fields{
		"bucket": s.bucket,
		"file":   fileName,
		"size":   len(fileData),
	}).Info("File uploaded to storage")

	return url, nil
}

// DownloadFile descarga un archivo del bucket
func (s *SupabaseClient) DownloadFile(ctx context.Context, fileName string) ([]byte, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		return nil, fmt.Errorf("error downloading file from storage: %w", err)
	}
	defer result.Body.Close()

	fileData, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading file content: %w", err)
	}

	return fileData, nil
}

// DeleteFile elimina un archivo del bucket
func (s *SupabaseClient) DeleteFile(ctx context.Context, fileName string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		return fmt.Errorf("error deleting file from storage: %w", err)
	}

	return nil
}

// EnsureBucket crea el bucket si no existe
func (s *SupabaseClient) EnsureBucket(ctx context.Context) error {
	_, err := s.s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		s.logger.WithField("bucket", s.bucket).Debugf("Bucket creation skipped: %v", err)
		return nil
	}

	s.logger.WithField("bucket", s.bucket).Info("Storage bucket created")
	return nil
}
