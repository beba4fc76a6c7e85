package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileClaims_ClaimAndRelease verifies basic claim/release operations.
func TestFileClaims_ClaimAndRelease(t *testing.T) {
	c := NewFileClaims()

	require.True(t, c.TryClaim("t1", []string{"main.go", "go.mod"}), "first claim")
	owner, ok := c.Owner("go.mod")
	assert.True(t, ok)
	assert.Equal(t, "t1", owner)

	c.Release("t1")
	_, ok = c.Owner("main.go")
	assert.False(t, ok, "main.go is free after release")
	assert.True(t, c.TryClaim("t2", []string{"main.go"}), "claim after release")
}

// TestFileClaims_OverlapIsRejectedAtomically verifies all-or-nothing claiming.
func TestFileClaims_OverlapIsRejectedAtomically(t *testing.T) {
	c := NewFileClaims()
	c.TryClaim("t1", []string{"b.go"})

	require.False(t, c.TryClaim("t2", []string{"a.go", "b.go", "c.go"}), "overlapping claim")
	for _, f := range []string{"a.go", "c.go"} {
		_, ok := c.Owner(f)
		assert.False(t, ok, "%s must stay unclaimed after a rejected claim", f)
	}

	assert.True(t, c.TryClaim("t3", []string{"a.go", "c.go"}), "disjoint claim")
}

// TestFileClaims_SameTaskAndEmpty verifies re-claims and empty file lists.
func TestFileClaims_SameTaskAndEmpty(t *testing.T) {
	c := NewFileClaims()

	assert.True(t, c.TryClaim("t1", nil), "empty claim")
	assert.True(t, c.TryClaim("t1", []string{"x.go"}))
	assert.True(t, c.TryClaim("t1", []string{"x.go"}), "repeated claim by the same task")

	c.Release("t1")
	c.Release("t1")
	c.Release("unknown")
}

// TestFileClaims_ConcurrentExclusive verifies a contended file has one owner at a time.
func TestFileClaims_ConcurrentExclusive(t *testing.T) {
	c := NewFileClaims()
	var holders atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			for _i := 0; _i < 100; _i++ {
				if c.TryClaim(id, []string{"shared.go"}) {
					assert.LessOrEqual(t, holders.Add(1), int32(1), "at most one holder")
					holders.Add(-1)
					c.Release(id)
					return
				}
			}
		}()
	}
	wg.Wait()
}
