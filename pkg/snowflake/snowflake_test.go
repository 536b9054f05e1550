package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsOutOfRangeNode(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
	_, err = New(MaxNode + 1)
	assert.Error(t, err)

	g, err := New(MaxNode)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxNode), Node(g.Next()))
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	g, err := New(7)
	require.NoError(t, err)

	prev := g.Next()
	for i := 0; i < 10000; i++ {
		id := g.Next()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNextSurvivesClockGoingBackwards(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	clock := int64(1750000000000)
	g.now = func() int64 { return clock }
	first := g.Next()

	clock -= 5000
	second := g.Next()
	assert.Greater(t, second, first)
}

func TestTimeRoundTrip(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)

	before := time.Now().Add(-time.Millisecond)
	id := g.Next()
	after := time.Now().Add(time.Millisecond)

	ts := Time(id)
	assert.True(t, ts.After(before) && ts.Before(after), "decoded %v outside [%v, %v]", ts, before, after)
	assert.Equal(t, int64(3), Node(id))
}

func TestConcurrentNextUnique(t *testing.T) {
	g, err := New(2)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
}
