package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryLedger(t *testing.T) {
	l := NewRetryLedger()
	assert.Zero(t, l.Len())
	assert.Empty(t, l.Paths())

	l.Add("/src/b")
	l.Add("/src/a")
	l.Add("/src/b")

	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Contains("/src/a"))
	assert.False(t, l.Contains("/src/c"))
	assert.Equal(t, []string{"/src/a", "/src/b"}, l.Paths())

	l.Reset()
	assert.Zero(t, l.Len())
	assert.False(t, l.Contains("/src/a"))
}

func TestRetryLedger_ConcurrentAdd(t *testing.T) {
	l := NewRetryLedger()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Add(fmt.Sprintf("/src/%02d", i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
}
