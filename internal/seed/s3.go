package seed

import (
	"context"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-errors/errors"
)

// downloadS3Object fetches bucket/key using the default AWS credential
// chain (environment, shared config, container/instance roles) and writes
// it to localPath.
func downloadS3Object(ctx context.Context, bucket, key, localPath string) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return errors.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Errorf("get s3 object s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return errors.Errorf("create local file %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return errors.Errorf("write s3 object to %s: %w", localPath, err)
	}
	return nil
}
