package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/lead-pipeline/internal/config"
	"github.com/ignite/lead-pipeline/internal/queue"
)

const archivePageSize = 1000

// Archiver exports terminal queue jobs to S3 as JSON lines before the
// cleanup task deletes them.
type Archiver struct {
	queue  *queue.Queue
	client *s3.Client
	bucket string
	prefix string
}

// NewArchiver builds an archiver from the archive config, using the
// default AWS credential chain. Returns nil when archiving is disabled.
func NewArchiver(ctx context.Context, q *queue.Queue, cfg config.ArchiveConfig) (*Archiver, error) {
	if !cfg.Enabled || cfg.S3Bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Archiver{
		queue:  q,
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive pages through terminal jobs older than the retention window
// and uploads each page as one JSON-lines object. Returns the number of
// jobs exported. Jobs are not deleted here; the caller deletes only
// after Archive succeeds.
func (a *Archiver) Archive(ctx context.Context, days int) (int64, error) {
	runStamp := time.Now().UTC().Format("2006/01/02/150405")
	var (
		exported int64
		afterID  int64
		page     int
	)

	for {
		jobs, err := a.queue.TerminalOlderThan(ctx, days, archivePageSize, afterID)
		if err != nil {
			return exported, fmt.Errorf("load terminal jobs after id %d: %w", afterID, err)
		}
		if len(jobs) == 0 {
			return exported, nil
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, job := range jobs {
			if err := enc.Encode(job); err != nil {
				return exported, fmt.Errorf("encode job %d: %w", job.ID, err)
			}
		}

		key := fmt.Sprintf("%s/%s/jobs-%04d.jsonl", a.prefix, runStamp, page)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf.Bytes()),
			ContentType: aws.String("application/x-ndjson"),
		})
		if err != nil {
			return exported, fmt.Errorf("S3 PutObject %s/%s: %w", a.bucket, key, err)
		}
		log.Printf("[Archive] uploaded %d jobs to s3://%s/%s", len(jobs), a.bucket, key)

		exported += int64(len(jobs))
		afterID = jobs[len(jobs)-1].ID
		page++
	}
}
