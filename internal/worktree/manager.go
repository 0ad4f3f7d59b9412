package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNotRepository is returned when RepoPath is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Manager creates, merges and removes task worktrees of one repository.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	// Serializes operations on the main checkout to avoid git lock conflicts.
	mergeMu sync.Mutex
}

// NewManager resolves the repository root and base branch and returns a
// manager for them.
func NewManager(ctx context.Context, cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".delegator", "worktrees")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "delegator"
	}

	root, err := git(ctx, cfg.RepoPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.RepoPath, ErrNotRepository)
	}
	cfg.RepoPath = root

	if cfg.BaseBranch == "" {
		branch, err := git(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("resolving current branch: %w", err)
		}
		if branch == "HEAD" {
			return nil, fmt.Errorf("repository at %s has a detached HEAD; check out a branch first", root)
		}
		cfg.BaseBranch = branch
	}

	return &Manager{cfg: cfg, logger: logger}, nil
}

// BaseBranch returns the branch tasks fork from and merge into.
func (m *Manager) BaseBranch() string { return m.cfg.BaseBranch }

// Create adds a worktree on a new branch for taskID of run runID.
func (m *Manager) Create(ctx context.Context, runID, taskID string) (*Info, error) {
	branch := fmt.Sprintf("%s/%s/%s", m.cfg.BranchPrefix, runID, taskID)
	wtPath := filepath.Join(m.cfg.RepoPath, m.cfg.Dir, runID, taskID)

	m.mergeMu.Lock()
	_, err := git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, wtPath, m.cfg.BaseBranch)
	m.mergeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	head, err := git(ctx, wtPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}

	m.logger.Debug("worktree created", zap.String("task_id", taskID), zap.String("branch", branch))
	return &Info{Path: wtPath, Branch: branch, TaskID: taskID, Head: head}, nil
}

// Commit records everything the agent left uncommitted in the worktree.
// Agents that commit on their own leave nothing to do here.
func (m *Manager) Commit(ctx context.Context, info *Info, message string) error {
	if _, err := git(ctx, info.Path, "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	status, err := git(ctx, info.Path, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("checking status: %w", err)
	}
	if status == "" {
		return nil
	}
	if _, err := git(ctx, info.Path, "commit", "--no-verify", "-m", message); err != nil {
		return fmt.Errorf("committing changes: %w", err)
	}
	return nil
}

// Merge merges the task branch into the base branch of the main checkout.
// With MergeFail a conflicting branch is left unmerged and its conflict
// files are reported instead of an error.
func (m *Manager) Merge(ctx context.Context, info *Info) (*MergeResult, error) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	ahead, err := git(ctx, m.cfg.RepoPath, "rev-list", "--count", m.cfg.BaseBranch+".."+info.Branch)
	if err != nil {
		return nil, fmt.Errorf("comparing branches: %w", err)
	}
	if ahead == "0" {
		return &MergeResult{Merged: true}, nil
	}

	if _, err := git(ctx, m.cfg.RepoPath, "checkout", m.cfg.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to checkout base branch: %w", err)
	}

	if m.cfg.Strategy == MergeFail {
		// merge-tree exits non-zero and prints CONFLICT lines when the
		// branches cannot be merged cleanly.
		out, err := gitOutput(ctx, m.cfg.RepoPath, "merge-tree", "--write-tree", m.cfg.BaseBranch, info.Branch)
		if err != nil || strings.Contains(out, "CONFLICT") {
			return &MergeResult{Changed: true, ConflictFiles: parseConflictFiles(out)}, nil
		}
	}

	args := []string{"merge", "--no-ff", "--no-edit"}
	if m.cfg.Strategy != MergeFail {
		args = append(args, "-X", m.cfg.Strategy.String())
	}
	args = append(args, "-m", "Merge task "+info.TaskID, info.Branch)
	if _, err := git(ctx, m.cfg.RepoPath, args...); err != nil {
		_, _ = git(ctx, m.cfg.RepoPath, "merge", "--abort")
		return nil, fmt.Errorf("merge failed: %w", err)
	}

	m.logger.Info("task branch merged", zap.String("task_id", info.TaskID), zap.String("branch", info.Branch))
	return &MergeResult{Merged: true, Changed: true}, nil
}

// parseConflictFiles extracts paths from merge-tree lines such as
// "CONFLICT (content): Merge conflict in <file>".
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CONFLICT") {
			continue
		}
		if i := strings.LastIndex(line, " in "); i >= 0 {
			conflicts = append(conflicts, strings.TrimSpace(line[i+len(" in "):]))
		}
	}
	return conflicts
}

// Cleanup removes the worktree and deletes its branch, forcing both when
// the plain commands refuse.
func (m *Manager) Cleanup(ctx context.Context, info *Info) error {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	var errs []error
	if _, err := git(ctx, m.cfg.RepoPath, "worktree", "remove", info.Path); err != nil {
		if _, forceErr := git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", info.Path); forceErr != nil {
			errs = append(errs, fmt.Errorf("worktree remove: %w", forceErr))
		}
	}
	if _, err := git(ctx, m.cfg.RepoPath, "branch", "-d", info.Branch); err != nil {
		if _, forceErr := git(ctx, m.cfg.RepoPath, "branch", "-D", info.Branch); forceErr != nil {
			errs = append(errs, fmt.Errorf("branch delete: %w", forceErr))
		}
	}
	return errors.Join(errs...)
}

// List returns the worktrees of the repository, the main checkout included.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	output, err := git(ctx, m.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var (
		worktrees []Info
		current   Info
	)
	prefix := m.cfg.BranchPrefix + "/"
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Info{}
			}
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if rest, ok := strings.CutPrefix(current.Branch, prefix); ok {
				current.TaskID = rest[strings.LastIndex(rest, "/")+1:]
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}

// Prune cleans up stale worktree metadata.
func (m *Manager) Prune(ctx context.Context) error {
	if _, err := git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// git runs a git command in dir and returns its trimmed combined output.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := gitOutput(ctx, dir, args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", args[0], err, out)
	}
	return out, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
