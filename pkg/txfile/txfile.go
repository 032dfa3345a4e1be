// Package txfile commits batches of file writes that must land at several
// destinations as one atomic unit. Blobs are staged first, the transaction
// record is journaled under pending/, and the copy to final paths is
// idempotent, so an interrupted commit can always be replayed.
package txfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the journaled lifecycle of a transaction.
type Status string

const (
	StatusCreated    Status = "created"
	StatusCommitting Status = "committing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Operation is one staged blob and its fan-out targets.
type Operation struct {
	ID          string   `json:"id"`
	Filename    string   `json:"filename"`
	Staging     string   `json:"staging"`
	TargetPaths []string `json:"target_paths"`
}

type record struct {
	ID           string      `json:"id"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	CommittedAt  time.Time   `json:"committed_at,omitempty"`
	Operations   []Operation `json:"operations"`
	CompletedOps []string    `json:"completed_operations"`
}

func (r *record) completed(opID string) bool {
	for _, id := range r.CompletedOps {
		if id == opID {
			return true
		}
	}
	return false
}

// CopyFailure describes one target that could not be written.
type CopyFailure struct {
	OperationID string
	Filename    string
	Target      string
	Err         error
}

// Stats aggregates one commit.
type Stats struct {
	Operations      int
	Succeeded       int
	Failed          int
	FilesCopied     int
	SkippedExisting int
	Failures        []CopyFailure
}

// CommitError is returned when some operations could not be applied. The
// transaction record stays under pending/ for later recovery.
type CommitError struct {
	TxID  string
	Stats Stats
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("txfile: transaction %s: %d of %d operations failed",
		e.TxID, e.Stats.Failed, e.Stats.Operations)
}

// Tx accumulates operations until commit.
type Tx struct {
	id  string
	rec *record
}

// ID returns the transaction identifier.
func (t *Tx) ID() string { return t.id }

// Pending reports the number of operations added so far.
func (t *Tx) Pending() int { return len(t.rec.Operations) }

// Committer owns the transactions/{staging,pending,completed} tree.
type Committer struct {
	stagingDir   string
	pendingDir   string
	completedDir string

	mu sync.Mutex
}

// NewCommitter creates the directory tree under root.
func NewCommitter(root string) (*Committer, error) {
	c := &Committer{
		stagingDir:   filepath.Join(root, "staging"),
		pendingDir:   filepath.Join(root, "pending"),
		completedDir: filepath.Join(root, "completed"),
	}
	for _, dir := range []string{c.stagingDir, c.pendingDir, c.completedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("txfile: create %s: %w", dir, err)
		}
	}
	return c, nil
}

func (c *Committer) pendingPath(id string) string {
	return filepath.Join(c.pendingDir, id+".json")
}

func (c *Committer) writeRecord(path string, rec *record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Begin opens a new transaction and journals it immediately.
func (c *Committer) Begin() (*Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	rec := &record{
		ID:        id,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
	}
	if err := c.writeRecord(c.pendingPath(id), rec); err != nil {
		return nil, fmt.Errorf("txfile: journal transaction: %w", err)
	}
	return &Tx{id: id, rec: rec}, nil
}

// AddFile stages content and records the fan-out targets. filename must
// be unique within the transaction.
func (c *Committer) AddFile(tx *Tx, content []byte, filename string, targets []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	staging := filepath.Join(c.stagingDir, tx.id, filename)
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return fmt.Errorf("txfile: create staging dir: %w", err)
	}
	if err := os.WriteFile(staging, content, 0o644); err != nil {
		return fmt.Errorf("txfile: stage %s: %w", filename, err)
	}

	tx.rec.Operations = append(tx.rec.Operations, Operation{
		ID:          uuid.NewString(),
		Filename:    filename,
		Staging:     staging,
		TargetPaths: targets,
	})
	if err := c.writeRecord(c.pendingPath(tx.id), tx.rec); err != nil {
		return fmt.Errorf("txfile: journal operation: %w", err)
	}
	return nil
}

// Commit applies every operation, journaling progress after each one. On
// success the record moves to completed/ and staging is removed; on
// failure it stays under pending/ and a *CommitError is returned.
func (c *Committer) Commit(tx *Tx) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitRecord(tx.id, tx.rec)
}

func (c *Committer) commitRecord(id string, rec *record) (Stats, error) {
	stats := Stats{Operations: len(rec.Operations)}

	rec.Status = StatusCommitting
	if err := c.writeRecord(c.pendingPath(id), rec); err != nil {
		return stats, fmt.Errorf("txfile: journal commit start: %w", err)
	}

	for _, op := range rec.Operations {
		if rec.completed(op.ID) {
			stats.Succeeded++
			continue
		}

		if _, err := os.Stat(op.Staging); err != nil {
			stats.Failed++
			stats.Failures = append(stats.Failures, CopyFailure{
				OperationID: op.ID, Filename: op.Filename, Err: fmt.Errorf("staged file missing: %w", err),
			})
			continue
		}

		opOK := true
		for _, target := range op.TargetPaths {
			if err := copyToTarget(op.Staging, target, &stats); err != nil {
				opOK = false
				stats.Failures = append(stats.Failures, CopyFailure{
					OperationID: op.ID, Filename: op.Filename, Target: target, Err: err,
				})
			}
		}
		if opOK {
			stats.Succeeded++
			rec.CompletedOps = append(rec.CompletedOps, op.ID)
		} else {
			stats.Failed++
		}

		if err := c.writeRecord(c.pendingPath(id), rec); err != nil {
			return stats, fmt.Errorf("txfile: journal progress: %w", err)
		}
	}

	if stats.Failed > 0 {
		rec.Status = StatusFailed
		_ = c.writeRecord(c.pendingPath(id), rec)
		return stats, &CommitError{TxID: id, Stats: stats}
	}

	rec.Status = StatusCompleted
	rec.CommittedAt = time.Now()
	if err := c.writeRecord(filepath.Join(c.completedDir, id+".json"), rec); err != nil {
		return stats, fmt.Errorf("txfile: journal completion: %w", err)
	}
	if err := os.Remove(c.pendingPath(id)); err != nil {
		return stats, fmt.Errorf("txfile: drop pending record: %w", err)
	}
	os.RemoveAll(filepath.Join(c.stagingDir, id))
	return stats, nil
}

// copyToTarget copies the staged blob unless the destination exists.
// Existing destinations count as copied, which makes replays safe.
func copyToTarget(staging, target string, stats *Stats) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		stats.SkippedExisting++
		return nil
	}
	data, err := os.ReadFile(staging)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return err
	}
	stats.FilesCopied++
	return nil
}

// Rollback discards a transaction and its staged files. The record is
// preserved under completed/ with a rollback marker.
func (c *Committer) Rollback(tx *Tx) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx.rec.Status = StatusRolledBack
	if err := c.writeRecord(filepath.Join(c.completedDir, tx.id+"_rollback.json"), tx.rec); err != nil {
		return fmt.Errorf("txfile: journal rollback: %w", err)
	}
	os.Remove(c.pendingPath(tx.id))
	os.RemoveAll(filepath.Join(c.stagingDir, tx.id))
	return nil
}

// Recover replays every pending transaction left by a previous run.
// Returns the IDs that completed.
func (c *Committer) Recover() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("txfile: scan pending: %w", err)
	}

	var recovered []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.pendingDir, entry.Name()))
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		switch rec.Status {
		case StatusCreated, StatusCommitting, StatusFailed:
			if _, err := c.commitRecord(rec.ID, &rec); err == nil {
				recovered = append(recovered, rec.ID)
			}
		}
	}
	return recovered, nil
}

// CleanupCompleted removes completed records older than retention.
func (c *Committer) CleanupCompleted(retention time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.completedDir)
	if err != nil {
		return 0, fmt.Errorf("txfile: scan completed: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(c.completedDir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// PendingCount reports how many transactions await commit or recovery.
func (c *Committer) PendingCount() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.pendingDir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			count++
		}
	}
	return count, nil
}
