// Package report builds audit reports over stored Missions and ships them to
// S3-compatible object storage.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"momentum/api/internal/rollup"
)

// Entry is the audit outcome for one Mission.
type Entry struct {
	MissionID   string              `json:"missionId"`
	Divergences []rollup.Divergence `json:"divergences"`
	Repaired    bool                `json:"repaired"`
	Error       string              `json:"error,omitempty"`
}

type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Missions    int       `json:"missions"`
	Divergent   int       `json:"divergent"`
	Repaired    int       `json:"repaired"`
	Failed      int       `json:"failed"`
	Entries     []Entry   `json:"entries"`
}

// Add records one Mission's outcome and keeps the counters in step.
func (r *Report) Add(entry Entry) {
	r.Missions++
	if len(entry.Divergences) > 0 {
		r.Divergent++
	}
	if entry.Repaired {
		r.Repaired++
	}
	if entry.Error != "" {
		r.Failed++
	}
	r.Entries = append(r.Entries, entry)
}

// Name is the object key a report is stored under.
func (r Report) Name() string {
	return "audit/" + r.GeneratedAt.UTC().Format("2006/01/02/150405") + ".json"
}

// Sink stores an encoded report.
type Sink interface {
	Put(ctx context.Context, name string, body []byte) error
}

// Upload encodes r and writes it to sink, returning the object name.
func Upload(ctx context.Context, sink Sink, r Report) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	name := r.Name()
	if err := sink.Put(ctx, name, body); err != nil {
		return "", err
	}
	return name, nil
}

// ObjectSink writes reports to a bucket through minio-go.
type ObjectSink struct {
	client *minio.Client
	bucket string
}

func NewObjectSink(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ObjectSink, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("report sink: endpoint is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("report sink: bucket is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &ObjectSink{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when it is missing.
func (s *ObjectSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *ObjectSink) Put(ctx context.Context, name string, body []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}
