package session

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/canonicalize"
)

var (
	ErrFileNotFound     = errors.New("workspace file not found")
	ErrSnapshotNotFound = errors.New("workspace snapshot not found")
	ErrInvalidPath      = errors.New("invalid workspace path")
	ErrUnknownArtifact  = errors.New("unknown workspace artifact")
)

// EditOp names a workspace mutation.
type EditOp string

const (
	OpWrite   EditOp = "write"
	OpDelete  EditOp = "delete"
	OpRestore EditOp = "restore"
)

// Edit is one attributed mutation of the workspace.
type Edit struct {
	Path         string    `json:"path"`
	Operation    EditOp    `json:"operation"`
	AgentDID     string    `json:"agent_did"`
	ContentHash  string    `json:"content_hash,omitempty"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	SnapshotID   string    `json:"snapshot_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// file contents are never mutated after creation, so snapshots share them.
type file struct {
	content   []byte
	hash      string
	updatedBy string
	updatedAt time.Time
}

// Snapshot is an immutable copy of the workspace and roster.
type Snapshot struct {
	ID           string
	CreatedAt    time.Time
	Participants []Participant
	files        map[string]*file
}

// Artifact kinds reported to the garbage collector.
const (
	ArtifactFile     = "file"
	ArtifactSnapshot = "snapshot"
	ArtifactEditLog  = "edit_log"
)

// Artifact is one purgeable piece of ephemeral workspace state.
type Artifact struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Bytes int64  `json:"bytes"`
}

// Workspace is the session-namespaced file area shared by participants.
type Workspace struct {
	mu        sync.RWMutex
	sessionID string
	files     map[string]*file
	edits     []Edit
	snapshots map[string]*Snapshot
	clock     func() time.Time
}

// NewWorkspace creates an empty workspace for sessionID.
func NewWorkspace(sessionID string, clock func() time.Time) *Workspace {
	if clock == nil {
		clock = time.Now
	}
	return &Workspace{
		sessionID: sessionID,
		files:     make(map[string]*file),
		snapshots: make(map[string]*Snapshot),
		clock:     clock,
	}
}

// NormalizePath cleans p into an absolute, NFC-normalised workspace path.
func NormalizePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	clean := path.Clean("/" + norm.NFC.String(p))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}

// Write stores content at p and records the edit.
func (w *Workspace) Write(p string, content []byte, agentDID string) (Edit, error) {
	key, err := NormalizePath(p)
	if err != nil {
		return Edit{}, err
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	now := w.clock().UTC()
	f := &file{content: buf, hash: canonicalize.HashBytes(buf), updatedBy: agentDID, updatedAt: now}

	w.mu.Lock()
	defer w.mu.Unlock()
	edit := Edit{Path: key, Operation: OpWrite, AgentDID: agentDID, ContentHash: f.hash, Timestamp: now}
	if prev, ok := w.files[key]; ok {
		edit.PreviousHash = prev.hash
	}
	w.files[key] = f
	w.edits = append(w.edits, edit)
	return edit, nil
}

// Read returns a copy of the content at p.
func (w *Workspace) Read(p string) ([]byte, error) {
	key, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	f, ok := w.files[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	out := make([]byte, len(f.content))
	copy(out, f.content)
	return out, nil
}

// Delete removes p and records the edit.
func (w *Workspace) Delete(p, agentDID string) (Edit, error) {
	key, err := NormalizePath(p)
	if err != nil {
		return Edit{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.files[key]
	if !ok {
		return Edit{}, fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	delete(w.files, key)
	edit := Edit{Path: key, Operation: OpDelete, AgentDID: agentDID, PreviousHash: f.hash, Timestamp: w.clock().UTC()}
	w.edits = append(w.edits, edit)
	return edit, nil
}

// Files returns the sorted paths currently in the workspace.
func (w *Workspace) Files() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.files))
	for p := range w.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Edits returns the edit log in order.
func (w *Workspace) Edits() []Edit {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Edit, len(w.edits))
	copy(out, w.edits)
	return out
}

func (w *Workspace) createSnapshot(participants []Participant) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	files := make(map[string]*file, len(w.files))
	for k, f := range w.files {
		files[k] = f
	}
	snap := &Snapshot{
		ID:           uuid.NewString(),
		CreatedAt:    w.clock().UTC(),
		Participants: participants,
		files:        files,
	}
	w.snapshots[snap.ID] = snap
	return snap.ID
}

// CreateSnapshot captures the files only, with no roster metadata.
func (w *Workspace) CreateSnapshot() string {
	return w.createSnapshot(nil)
}

// SnapshotRead reads p as it was when the snapshot was taken.
func (w *Workspace) SnapshotRead(snapshotID, p string) ([]byte, error) {
	key, err := NormalizePath(p)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	snap, ok := w.snapshots[snapshotID]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	f, ok := snap.files[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrFileNotFound, key, snapshotID)
	}
	out := make([]byte, len(f.content))
	copy(out, f.content)
	return out, nil
}

// SnapshotParticipants returns the roster captured with the snapshot.
func (w *Workspace) SnapshotParticipants(snapshotID string) ([]Participant, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap, ok := w.snapshots[snapshotID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	out := make([]Participant, len(snap.Participants))
	copy(out, snap.Participants)
	return out, nil
}

// RestoreSnapshot replaces the live files with the snapshot's and records
// a restore edit attributed to agentDID. The snapshot itself is untouched.
func (w *Workspace) RestoreSnapshot(snapshotID, agentDID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap, ok := w.snapshots[snapshotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	files := make(map[string]*file, len(snap.files))
	for k, f := range snap.files {
		files[k] = f
	}
	w.files = files
	w.edits = append(w.edits, Edit{
		Path:       "/",
		Operation:  OpRestore,
		AgentDID:   agentDID,
		SnapshotID: snapshotID,
		Timestamp:  w.clock().UTC(),
	})
	return nil
}

// ListArtifacts enumerates purgeable state: live files, snapshots and the edit log.
func (w *Workspace) ListArtifacts() []Artifact {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Artifact
	for p, f := range w.files {
		out = append(out, Artifact{Kind: ArtifactFile, ID: p, Bytes: int64(len(f.content))})
	}
	for id, snap := range w.snapshots {
		out = append(out, Artifact{Kind: ArtifactSnapshot, ID: id, Bytes: snapshotBytes(snap)})
	}
	if len(w.edits) > 0 {
		out = append(out, Artifact{Kind: ArtifactEditLog, ID: w.sessionID, Bytes: editLogBytes(w.edits)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PurgeArtifact drops one artifact. Purging an absent artifact is not an error.
func (w *Workspace) PurgeArtifact(a Artifact) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch a.Kind {
	case ArtifactFile:
		delete(w.files, a.ID)
	case ArtifactSnapshot:
		delete(w.snapshots, a.ID)
	case ArtifactEditLog:
		w.edits = nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownArtifact, a.Kind)
	}
	return nil
}

// EstimateBytes approximates the memory held by the workspace.
func (w *Workspace) EstimateBytes() int64 {
	var total int64
	for _, a := range w.ListArtifacts() {
		total += a.Bytes
	}
	return total
}

func snapshotBytes(s *Snapshot) int64 {
	var n int64
	for p, f := range s.files {
		n += int64(len(p) + len(f.content))
	}
	return n
}

func editLogBytes(edits []Edit) int64 {
	var n int64
	for _, e := range edits {
		n += int64(len(e.Path) + len(e.AgentDID) + len(e.ContentHash) + len(e.PreviousHash) + 64)
	}
	return n
}
