package worktree

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Config configures working-copy provisioning, change application and publishing.
type Config struct {
	Repo         string   // Source repository path or URL each slot is cloned from
	Dir          string   // Directory holding one clone per pool slot
	Remote       string   // Remote name branches are pushed to (default "origin")
	BaseBranch   string   // Branch every task starts from (default "main")
	BranchPrefix string   // Prefix of task branches (default "forge")
	ApplyCommand []string // Command that applies a patch file; the patch path is appended
	AuthorName   string
	AuthorEmail  string
	Push         bool // Push task branches to Remote
	PullRequest  bool // Open a pull request with gh after pushing
}

func (c Config) withDefaults() Config {
	if c.Remote == "" {
		c.Remote = "origin"
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "forge"
	}
	if len(c.ApplyCommand) == 0 {
		c.ApplyCommand = []string{"git", "apply", "--whitespace=nowarn"}
	}
	if c.AuthorName == "" {
		c.AuthorName = "taskforge"
	}
	if c.AuthorEmail == "" {
		c.AuthorEmail = "taskforge@localhost"
	}
	if c.Dir != "" {
		if abs, err := filepath.Abs(c.Dir); err == nil {
			c.Dir = abs
		}
	}
	return c
}

// ApplyRequest carries a generated change onto a working copy.
type ApplyRequest struct {
	TaskID string
	Title  string
	Patch  []byte // unified diff
}

// Applied describes the branch created by a successful (or partial) apply.
type Applied struct {
	Branch string // set as soon as the branch exists, even when Apply fails
	Commit string // HEAD commit hash after the change was committed
}

// PublishRequest carries what a pull request is opened with.
type PublishRequest struct {
	TaskID string
	Title  string
	Body   string
}

// Published describes what a publish made visible outside the working copy.
type Published struct {
	Branch    string
	Path      string // working copy the branch was published from
	Remote    string
	Pushed    bool   // branch exists on Remote
	ChangeURL string // pull request URL, empty when none was opened
}

// Ref returns the change URL, or the branch name when no pull request exists.
func (p Published) Ref() string {
	if p.ChangeURL != "" {
		return p.ChangeURL
	}
	return p.Branch
}

var unsafeRefChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// branchName builds "<prefix>/<task>-<suffix>" with the task id reduced to
// characters that are always valid in a ref name.
func branchName(prefix, taskID, suffix string) string {
	id := strings.Trim(unsafeRefChars.ReplaceAllString(taskID, "-"), "-.")
	if id == "" {
		id = "task"
	}
	return prefix + "/" + id + "-" + suffix
}
