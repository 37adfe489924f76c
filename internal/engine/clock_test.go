package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type frozenTime time.Time

func (f frozenTime) Now() time.Time { return time.Time(f) }

func TestClock_StrictlyIncreasingOnStalledSource(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(frozenTime(at))

	first := c.Now()
	second := c.Now()
	third := c.Now()

	assert.Equal(t, at, first)
	assert.Equal(t, at.Add(time.Nanosecond), second)
	assert.Equal(t, at.Add(2*time.Nanosecond), third)
}

func TestClock_SourceSteppingBackwards(t *testing.T) {
	src := &steppingTime{times: []time.Time{
		time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC),
		time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	c := NewClock(src)
	a := c.Now()
	b := c.Now()
	assert.True(t, b.After(a), "reading after a backwards step still advances")
}

type steppingTime struct {
	times []time.Time
	i     int
}

func (s *steppingTime) Now() time.Time {
	t := s.times[s.i%len(s.times)]
	s.i++
	return t
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock(frozenTime(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	const goroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	readings := make(chan time.Time, goroutines*callsPerGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				readings <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(readings)

	seen := make(map[int64]bool)
	for r := range readings {
		assert.False(t, seen[r.UnixNano()], "reading %s returned twice", r)
		seen[r.UnixNano()] = true
	}
	assert.Len(t, seen, goroutines*callsPerGoroutine)
}

func TestClock_NilSourceUsesSystemTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got := NewClock(nil).Now()
	assert.True(t, got.After(before))
	assert.Equal(t, time.UTC, got.Location())
}
