// Package anchor publishes committed session roots to external storage so
// that a commitment can be checked independently of the hypervisor's own store.
package anchor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/canonicalize"
)

// Type names an anchor backend.
type Type string

const (
	TypeNone Type = "none"
	TypeFile Type = "file"
	TypeS3   Type = "s3"
	TypeGCS  Type = "gcs"
)

// Config selects and configures the anchor backend.
type Config struct {
	Type     Type   `yaml:"type" json:"type"`
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// New builds the configured anchorer. TypeNone (or empty) returns nil.
func New(ctx context.Context, cfg Config) (audit.Anchorer, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeFile:
		a, err := NewFileAnchor(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return a, nil
	case TypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("anchor bucket is required for s3")
		}
		a, err := NewS3Anchor(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
		if err != nil {
			return nil, err
		}
		return a, nil
	case TypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("anchor bucket is required for gcs")
		}
		return newGCSAnchor(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported anchor type: %s", cfg.Type)
	}
}

// Payload is the canonical JSON body written for a commitment.
func Payload(rec audit.CommitmentRecord) ([]byte, error) {
	rec.AnchorID = ""
	return canonicalize.JCS(rec)
}

// ObjectKey is where a commitment is stored under prefix.
func ObjectKey(prefix string, rec audit.CommitmentRecord) string {
	return prefix + rec.SessionID + "/" + rec.RecordHash + ".json"
}

// FileAnchor writes commitments to a local directory.
type FileAnchor struct {
	dir string
}

// NewFileAnchor creates dir if needed.
func NewFileAnchor(dir string) (*FileAnchor, error) {
	if dir == "" {
		return nil, fmt.Errorf("anchor dir is required for file anchors")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create anchor dir: %w", err)
	}
	return &FileAnchor{dir: dir}, nil
}

// Anchor writes the payload atomically and returns a file:// locator.
func (f *FileAnchor) Anchor(_ context.Context, rec audit.CommitmentRecord) (string, error) {
	body, err := Payload(rec)
	if err != nil {
		return "", err
	}
	path := filepath.Join(f.dir, filepath.FromSlash(ObjectKey("", rec)))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("file anchor: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return "", fmt.Errorf("file anchor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("file anchor: %w", err)
	}
	return "file://" + path, nil
}
