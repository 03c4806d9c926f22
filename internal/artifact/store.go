// Package artifact implements the content-hashed blob store backing model
// inputs, oversize tool results, and support bundles. Artifacts are immutable
// once written; identity is the opaque artifact_id, not the content hash.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codesdk/codesdk/internal/canonical"
	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/common/logger"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// Meta is the sidecar record persisted next to each blob.
type Meta struct {
	ArtifactID  string    `json:"artifact_id"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentHash string    `json:"content_hash"`
	Name        string    `json:"name,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ref converts the meta record into the wire reference carried on events.
func (m *Meta) Ref() *v1.ArtifactRef {
	return &v1.ArtifactRef{
		ArtifactID:  m.ArtifactID,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		ContentHash: m.ContentHash,
		Name:        m.Name,
	}
}

// PutOpts carries optional attributes for a stored artifact.
type PutOpts struct {
	ContentType string
	Name        string
	SessionID   string
	TaskID      string
}

// Store writes blobs under <dir>/data/<id>.bin with metadata at
// <dir>/meta/<id>.json.
type Store struct {
	dataDir  string
	metaDir  string
	maxBytes int64
	logger   *logger.Logger

	mu sync.Mutex // serializes id allocation and directory writes
}

// NewStore creates the artifact directories under dir. maxBytes of 0 means
// unlimited.
func NewStore(dir string, maxBytes int64, log *logger.Logger) (*Store, error) {
	dataDir := filepath.Join(dir, "data")
	metaDir := filepath.Join(dir, "meta")
	for _, d := range []string{dataDir, metaDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact dir %s: %w", d, err)
		}
	}
	return &Store{dataDir: dataDir, metaDir: metaDir, maxBytes: maxBytes, logger: log}, nil
}

// Put stores a new artifact and returns its reference.
func (s *Store) Put(data []byte, opts PutOpts) (*v1.ArtifactRef, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, apperrors.TooLarge(fmt.Sprintf("artifact of %d bytes exceeds limit of %d", len(data), s.maxBytes))
	}

	meta := &Meta{
		ArtifactID:  uuid.New().String(),
		ContentType: opts.ContentType,
		SizeBytes:   int64(len(data)),
		ContentHash: canonical.HashBytes(data),
		Name:        opts.Name,
		SessionID:   opts.SessionID,
		TaskID:      opts.TaskID,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.dataPath(meta.ArtifactID), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write artifact data: %w", err)
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.ArtifactID), metaBytes, 0o644); err != nil {
		_ = os.Remove(s.dataPath(meta.ArtifactID))
		return nil, fmt.Errorf("failed to write artifact meta: %w", err)
	}

	s.logger.Debug("stored artifact",
		zap.String("artifact_id", meta.ArtifactID),
		zap.Int64("size_bytes", meta.SizeBytes))
	return meta.Ref(), nil
}

// Get returns an artifact's bytes and metadata.
func (s *Store) Get(artifactID string) ([]byte, *Meta, error) {
	meta, err := s.Stat(artifactID)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(s.dataPath(artifactID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact data: %w", err)
	}
	return data, meta, nil
}

// Stat returns an artifact's metadata without its bytes.
func (s *Store) Stat(artifactID string) (*Meta, error) {
	if err := validateID(artifactID); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.metaPath(artifactID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("artifact", artifactID)
		}
		return nil, fmt.Errorf("failed to read artifact meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact meta: %w", err)
	}
	return &meta, nil
}

// ListBySession returns metadata for all artifacts attributed to a session,
// optionally filtered by task.
func (s *Store) ListBySession(sessionID, taskID string) ([]*Meta, error) {
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact meta: %w", err)
	}
	var out []*Meta
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		meta, err := s.Stat(id)
		if err != nil {
			continue
		}
		if meta.SessionID != sessionID {
			continue
		}
		if taskID != "" && meta.TaskID != taskID {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *Store) dataPath(id string) string {
	return filepath.Join(s.dataDir, id+".bin")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.metaDir, id+".json")
}

// validateID rejects ids that could escape the artifact directories.
func validateID(id string) error {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return apperrors.BadRequest("invalid artifact id")
	}
	return nil
}
