package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// MetaDirName is the directory inside a repository (and inside each workspace
// derived from it) where runtime artifacts live: agent logs, provenance
// records, scratch files.
const MetaDirName = ".hyperagent"

// provenanceRecord links a finished step execution back to the repository
// state it produced. One record is written per execution attempt.
type provenanceRecord struct {
	WorkflowID     string    `json:"workflowId"`
	ProjectID      string    `json:"projectId"`
	StepID         string    `json:"stepId"`
	RepositoryPath string    `json:"repositoryPath"`
	WorkspacePath  string    `json:"workspacePath,omitempty"`
	AgentRunID     string    `json:"agentRunId"`
	CommitHash     string    `json:"commitHash,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// writeProvenance persists a provenance record under the repository's meta
// directory and returns the absolute path of the written file.
func writeProvenance(repoPath string, rec provenanceRecord) (string, error) {
	logsDir := filepath.Join(repoPath, MetaDirName, "workflow-logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create provenance directory: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode provenance record: %w", err)
	}

	name := fmt.Sprintf("workflow-%d-%06d.json", time.Now().UnixMilli(), rand.Intn(1000000))
	path := filepath.Join(logsDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write provenance record: %w", err)
	}
	return path, nil
}

// syncMetaArtifacts copies the workspace's meta directory back into the
// repository root. Executors write logs and scratch artifacts inside the
// workspace; the worktree is removed when the session ends, so those files
// are mirrored into the repository's own meta directory first. Symlinks are
// recreated rather than followed.
func syncMetaArtifacts(workspacePath, repoPath string) error {
	src := filepath.Join(workspacePath, MetaDirName)
	dst := filepath.Join(repoPath, MetaDirName)
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if _, err := os.Lstat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect workspace meta directory: %w", err)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			// Remove any stale entry before recreating the link.
			_ = os.Remove(target)
			return os.Symlink(linkTarget, target)
		default:
			return copyRegularFile(path, target)
		}
	})
}

func copyRegularFile(srcPath, dstPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", srcPath, err)
	}
	return out.Close()
}
