package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/delivery-engine/internal/domain"
)

const janitorBatchLimit = 500

// s3Putter is the subset of the S3 client the janitor needs. *s3.Client
// satisfies it.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Janitor garbage-collects terminal queue message records past the retention
// window. When an archive bucket is configured, swept records are written to
// S3 before deletion so the dispatch audit trail survives the purge.
type Janitor struct {
	store     BatchStore
	s3        s3Putter
	bucket    string
	keyPrefix string
	retention time.Duration
}

func NewJanitor(store BatchStore, s3Client s3Putter, bucket, keyPrefix string, retention time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		s3:        s3Client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		retention: retention,
	}
}

// Sweep archives and deletes one batch of expired records. It returns the
// number of records removed; callers loop until the count comes back zero.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-j.retention)
	msgs, err := j.store.TerminalMessagesBefore(ctx, cutoff, janitorBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("select expired messages: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	if j.bucket != "" && j.s3 != nil {
		if err := j.archive(ctx, now, msgs); err != nil {
			// Keep the rows; the next sweep retries the archive.
			return 0, fmt.Errorf("archive before delete: %w", err)
		}
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := j.store.DeleteMessages(ctx, ids); err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}

	log.Printf("[Janitor] swept %d queue message records older than %s", len(msgs), cutoff.Format(time.RFC3339))
	return len(msgs), nil
}

// archive writes the swept records as one newline-delimited JSON object.
func (j *Janitor) archive(ctx context.Context, now time.Time, msgs []domain.QueueMessage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
	}

	key := fmt.Sprintf("%s%s/queue-messages-%d.ndjson", j.keyPrefix, now.UTC().Format("2006/01/02"), now.UnixNano())
	_, err := j.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return err
	}
	return nil
}
