package s3infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-auth-gateway/internal/config"
	"github.com/go-auth-gateway/internal/domain"
)

// PutAPI is the subset of the S3 client the dead-letter sink uses.
type PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DeadLetter archives events that could not be delivered to the bus.
// Objects are keyed <tenant>/<yyyy>/<mm>/<dd>/<event_id>.json.
type DeadLetter struct {
	client PutAPI
	bucket string
}

// NewClient creates an S3 client. When cfg.AWSEndpointURL is set (LocalStack),
// it overrides the endpoint and enables path-style addressing.
func NewClient(cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for S3: %w", err)
	}
	var clientOpts []func(*s3.Options)
	if cfg.AWSEndpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, clientOpts...), nil
}

func NewDeadLetter(client PutAPI, bucket string) *DeadLetter {
	return &DeadLetter{client: client, bucket: bucket}
}

type deadLetterRecord struct {
	Event domain.Event `json:"event"`
	Cause string       `json:"cause"`
}

// Put stores e together with the last delivery error.
func (d *DeadLetter) Put(ctx context.Context, e domain.Event, cause error) error {
	rec := deadLetterRecord{Event: e}
	if cause != nil {
		rec.Cause = cause.Error()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(objectKey(e)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func objectKey(e domain.Event) string {
	t := e.OccurredAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", e.TenantID, t.Year(), t.Month(), t.Day(), e.EventID)
}
