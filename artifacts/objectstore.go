package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig configures an S3-compatible artifact bucket.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string

	// Prefix is prepended to every object name.
	Prefix string
}

func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("artifacts objectstore: endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.New("artifacts objectstore: endpoint must be host[:port] without scheme")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("artifacts objectstore: access key and secret key are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("artifacts objectstore: bucket is required")
	}
	return nil
}

// ObjectStore writes artifact content as markdown objects and run summaries
// as JSON objects:
//
//	<prefix>/<SYMBOL>/<DATE>/<namespace>/<key>.md
//	<prefix>/<SYMBOL>/<DATE>/summary/<runId>.json
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectStore connects to the endpoint and makes sure the bucket exists.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newObjectTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts objectstore: client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("artifacts objectstore: ensure bucket %s: %w", cfg.Bucket, err)
	}
	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newObjectTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ArtifactObjectName returns the object name of an artifact.
func ArtifactObjectName(prefix string, rec ArtifactRecord) string {
	return path.Join(prefix, rec.Symbol, rec.TradeDate, rec.Namespace, rec.Key+".md")
}

// SummaryObjectName returns the object name of a run summary.
func SummaryObjectName(prefix string, rec RunSummaryRecord) string {
	return path.Join(prefix, rec.Symbol, rec.TradeDate, "summary", rec.RunID+".json")
}

func (s *ObjectStore) SaveRunSummary(ctx context.Context, rec RunSummaryRecord) error {
	stampTimes(&rec.CreatedAt, &rec.UpdatedAt, time.Now().UTC())
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("artifacts objectstore: encode summary: %w", err)
	}
	name := SummaryObjectName(s.prefix, rec)
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"run-id": rec.RunID, "status": string(rec.Status)},
	})
	if err != nil {
		return fmt.Errorf("artifacts objectstore: put %s: %w", name, err)
	}
	return nil
}

func (s *ObjectStore) SaveArtifact(ctx context.Context, rec ArtifactRecord) error {
	contentType := rec.ContentType
	if contentType == "" {
		contentType = ContentTypeMarkdown
	}
	meta := map[string]string{}
	for k, v := range rec.Metadata {
		meta[k] = fmt.Sprint(v)
	}
	name := ArtifactObjectName(s.prefix, rec)
	_, err := s.client.PutObject(ctx, s.bucket, name, strings.NewReader(rec.Content), int64(len(rec.Content)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return fmt.Errorf("artifacts objectstore: put %s: %w", name, err)
	}
	return nil
}

// Compile-time interface check.
var _ Persister = (*ObjectStore)(nil)
