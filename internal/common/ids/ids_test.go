package ids

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsSortable(t *testing.T) {
	var generated []string
	for i := 0; i < 100; i++ {
		generated = append(generated, New())
	}

	sorted := append([]string(nil), generated...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, generated, "ids generated in sequence must sort in generation order")

	seen := make(map[string]bool, len(generated))
	for _, id := range generated {
		require.Len(t, id, 26)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(New()))
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-an-id"))
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts := Timestamp(New())
	assert.True(t, ts.After(before))
	assert.True(t, ts.Before(time.Now().Add(time.Second)))

	assert.True(t, Timestamp("junk").IsZero())
}

func TestNewConnectionID(t *testing.T) {
	a, b := NewConnectionID(), NewConnectionID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
