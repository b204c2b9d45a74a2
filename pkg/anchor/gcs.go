//go:build gcp

package anchor

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
)

// GCSAnchor writes commitments as objects in a Cloud Storage bucket.
type GCSAnchor struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSAnchor creates a client from application default credentials.
func NewGCSAnchor(ctx context.Context, bucket, prefix string) (*GCSAnchor, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSAnchor{client: client, bucket: bucket, prefix: prefix}, nil
}

func newGCSAnchor(ctx context.Context, cfg Config) (audit.Anchorer, error) {
	a, err := NewGCSAnchor(ctx, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Anchor uploads the commitment. Objects are created only if absent, so a
// retried anchor never overwrites an earlier one.
func (a *GCSAnchor) Anchor(ctx context.Context, rec audit.CommitmentRecord) (string, error) {
	body, err := Payload(rec)
	if err != nil {
		return "", err
	}
	key := ObjectKey(a.prefix, rec)
	obj := a.client.Bucket(a.bucket).Object(key)
	locator := "gs://" + a.bucket + "/" + key

	if _, err := obj.Attrs(ctx); err == nil {
		return locator, nil
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"session-id": rec.SessionID, "merkle-root": rec.MerkleRoot}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return locator, nil
}

// Close releases the client.
func (a *GCSAnchor) Close() error {
	return a.client.Close()
}
