package dirsync

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	lastKey  string
	lastBody []byte
	err      error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastKey = aws.ToString(params.Key)
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.lastBody = body
	return &s3.PutObjectOutput{}, nil
}

func TestReportArchiverWritesJobReport(t *testing.T) {
	fake := &fakeS3{}
	archiver := NewReportArchiverWithClient(fake, "fedgate-reports", "sync-jobs")

	finished := time.Now()
	cfg := testConfig(7)
	job := &SyncJob{
		ID:         "job-abc",
		ConfigID:   7,
		TenantID:   "tenant-1",
		Type:       SyncTypeFull,
		Status:     JobStatusCompleted,
		Counters:   Counters{Processed: 10, Created: 10},
		FinishedAt: &finished,
	}

	require.NoError(t, archiver.Archive(context.Background(), cfg, job))
	assert.Equal(t, "sync-jobs/tenant-1/7/job-abc.json", fake.lastKey)

	var report struct {
		Job        *SyncJob `json:"job"`
		ConfigName string   `json:"config_name"`
		SourceType string   `json:"source_type"`
	}
	require.NoError(t, json.Unmarshal(fake.lastBody, &report))
	assert.Equal(t, "corp directory", report.ConfigName)
	assert.Equal(t, "scim", report.SourceType)
	assert.Equal(t, JobStatusCompleted, report.Job.Status)
	assert.Equal(t, 10, report.Job.Counters.Processed)
}

func TestReportArchiverSurfacesPutFailure(t *testing.T) {
	fake := &fakeS3{err: context.DeadlineExceeded}
	archiver := NewReportArchiverWithClient(fake, "fedgate-reports", "sync-jobs")

	err := archiver.Archive(context.Background(), testConfig(1), &SyncJob{ID: "j", TenantID: "t", ConfigID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to archive job report")
}
