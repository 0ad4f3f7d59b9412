// Package worktree gives each task of a graph run its own git worktree so
// agents working in parallel do not edit the same checkout, then merges
// their branches back one at a time.
package worktree

import "fmt"

// MergeStrategy decides how conflicting hunks are resolved when a task
// branch is merged back.
type MergeStrategy int

const (
	// MergeFail refuses to merge a branch that conflicts with the base.
	MergeFail MergeStrategy = iota
	// MergeOurs resolves conflicts in favour of the base branch.
	MergeOurs
	// MergeTheirs resolves conflicts in favour of the task branch.
	MergeTheirs
)

func (s MergeStrategy) String() string {
	switch s {
	case MergeOurs:
		return "ours"
	case MergeTheirs:
		return "theirs"
	default:
		return "fail"
	}
}

// ParseMergeStrategy accepts "fail" (or ""), "ours" and "theirs".
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch s {
	case "", "fail":
		return MergeFail, nil
	case "ours":
		return MergeOurs, nil
	case "theirs":
		return MergeTheirs, nil
	}
	return MergeFail, fmt.Errorf("unknown merge strategy %q (want fail, ours or theirs)", s)
}

// Info describes a worktree created for one task.
type Info struct {
	Path   string // absolute worktree directory
	Branch string // e.g. "delegator/<run>/<task>"
	TaskID string
	Head   string // commit the worktree started from
}

// MergeResult is the outcome of merging a task branch into the base.
type MergeResult struct {
	Merged        bool
	Changed       bool     // false when the task left no commits to merge
	ConflictFiles []string // set when the merge was refused
}

// Config configures a Manager.
type Config struct {
	RepoPath     string // repository root
	BaseBranch   string // branch to fork from and merge into; empty uses the current branch
	Dir          string // worktree directory under RepoPath (default ".delegator/worktrees")
	BranchPrefix string // task branch prefix (default "delegator")
	Strategy     MergeStrategy
}
