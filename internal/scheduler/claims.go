package scheduler

import (
	"sort"
	"sync"
)

// FileClaims tracks which in-flight task has declared each file. The
// dispatcher uses it to hold back tasks that would edit the same files as
// a running task. Claims are all-or-nothing and never block.
type FileClaims struct {
	mu     sync.Mutex
	owners map[string]string   // file -> task id
	byTask map[string][]string // task id -> claimed files
}

// NewFileClaims creates an empty claim table.
func NewFileClaims() *FileClaims {
	return &FileClaims{
		owners: make(map[string]string),
		byTask: make(map[string][]string),
	}
}

// TryClaim claims every file for taskID, or none of them if any is held by
// another task. Claiming again for the same task is a no-op that succeeds.
func (c *FileClaims) TryClaim(taskID string, files []string) bool {
	if len(files) == 0 {
		return true
	}

	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.Strings(sorted)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, held := c.byTask[taskID]; held {
		return true
	}
	for _, f := range sorted {
		if owner, taken := c.owners[f]; taken && owner != taskID {
			return false
		}
	}
	for _, f := range sorted {
		c.owners[f] = taskID
	}
	c.byTask[taskID] = sorted
	return true
}

// Release drops every claim held by taskID.
func (c *FileClaims) Release(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.byTask[taskID] {
		if c.owners[f] == taskID {
			delete(c.owners, f)
		}
	}
	delete(c.byTask, taskID)
}

// Owner returns the task currently claiming file, if any.
func (c *FileClaims) Owner(file string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[file]
	return owner, ok
}
