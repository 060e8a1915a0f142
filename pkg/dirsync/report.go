package dirsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the archiver uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReportArchiver writes finished job reports to an S3 bucket as JSON, one
// object per job, keyed by tenant and config for retention tooling.
type ReportArchiver struct {
	client s3API
	bucket string
	prefix string
}

// NewReportArchiver builds an archiver using the default AWS credential
// chain.
func NewReportArchiver(ctx context.Context, region, bucket, prefix string) (*ReportArchiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewReportArchiverWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewReportArchiverWithClient wires an existing client, used by tests.
func NewReportArchiverWithClient(client s3API, bucket, prefix string) *ReportArchiver {
	return &ReportArchiver{client: client, bucket: bucket, prefix: prefix}
}

// jobReport is the archived document. It carries the config name so
// reports stay meaningful after a config is deleted.
type jobReport struct {
	Job        *SyncJob `json:"job"`
	ConfigName string   `json:"config_name"`
	SourceType string   `json:"source_type"`
}

// Archive writes one finished job to the bucket. The key layout is
// <prefix>/<tenant>/<config-id>/<job-id>.json.
func (a *ReportArchiver) Archive(ctx context.Context, cfg *SyncConfig, job *SyncJob) error {
	report := jobReport{
		Job:        job,
		ConfigName: cfg.Name,
		SourceType: string(cfg.SourceType),
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job report: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%d/%s.json", a.prefix, job.TenantID, job.ConfigID, job.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive job report: %w", err)
	}
	return nil
}
