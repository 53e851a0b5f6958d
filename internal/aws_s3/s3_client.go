package aws_s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/alisalti1992/sitescope-backend/config"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BucketClient stores raw page snapshots. Upload failures degrade to an
// empty key: the page record is still written, just without the snapshot
// reference.
type BucketClient interface {
	WritePageHTML(jobID int64, address, html string) string
	WriteScreenshot(jobID int64, address string, png []byte) string
}

type S3BucketClient struct {
	client *s3.Client
	cfg    *config.S3Config
	log    *slog.Logger
}

func NewS3BucketClient(cfg *config.S3Config, log *slog.Logger) *S3BucketClient {
	log.Info("connecting to s3...")
	ctx := context.Background()

	sdkConfig, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithCredentialsProvider(crd.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, "")),
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithBaseEndpoint(cfg.AwsBaseEndpoint))
	if err != nil {
		log.Error("failed to load s3 config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// LocalStack does not support `virtual host addressing style` that uses s3 by default.
	// For test purposes use configuration with disabled 'virtual hosted bucket addressing'.
	var s3client *s3.Client
	if cfg.AwsAccessKey == "test" {
		log.Warn("test configuration for s3")
		s3client = s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	} else {
		s3client = s3.NewFromConfig(sdkConfig)
	}
	log.Info("connected to s3")

	return &S3BucketClient{
		client: s3client,
		cfg:    cfg,
		log:    log,
	}
}

func (bc *S3BucketClient) WritePageHTML(jobID int64, address, html string) string {
	return bc.put(bc.key(jobID, address, "page.html"), []byte(html), "text/html")
}

func (bc *S3BucketClient) WriteScreenshot(jobID int64, address string, png []byte) string {
	return bc.put(bc.key(jobID, address, "screenshot.png"), png, "image/png")
}

func (bc *S3BucketClient) put(s3Key string, body []byte, contentType string) string {
	_, err := bc.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      &bc.cfg.BucketName,
		Key:         &s3Key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		bc.log.Error("failed to save snapshot to s3.", slog.String("key", s3Key),
			slog.String("err", err.Error()))
		return ""
	}
	bc.log.Debug("snapshot saved to s3.", slog.String("key", s3Key))

	return s3Key
}

func (bc *S3BucketClient) key(jobID int64, address, name string) string {
	hash := sha256.New()
	hash.Write([]byte(address))
	hashedAddress := hex.EncodeToString(hash.Sum(nil))

	return fmt.Sprintf("%s/%d/%s/%s", bc.cfg.KeyPrefix, jobID, hashedAddress, name)
}
