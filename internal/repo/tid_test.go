package repo

import (
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTID(t *testing.T) {
	assert.Equal(t, "2222222222222", FormatTID(0))
	assert.Equal(t, "2222222222223", FormatTID(1))
	assert.Equal(t, "222222222222z", FormatTID(31))
	assert.Equal(t, "2222222222232", FormatTID(32))
}

func TestTID_RoundTripAndOrder(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	vals := make([]uint64, 200)
	tids := make([]string, len(vals))
	for i := range vals {
		vals[i] = r.Uint64() >> 1
		tids[i] = FormatTID(vals[i])
		got, err := ParseTID(tids[i])
		require.NoError(t, err)
		require.Equal(t, vals[i], got)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	sort.Strings(tids)
	for i := range vals {
		assert.Equal(t, FormatTID(vals[i]), tids[i], "string order must match numeric order")
	}
}

func TestParseTID_Invalid(t *testing.T) {
	for _, s := range []string{
		"",
		"3jzfcijpj2z2",   // short
		"3jzfcijpj2z2aa", // long
		"3jzfcijpj2z21",  // '1' is not in the alphabet
		"3JZFCIJPJ2Z2A",  // upper case
		"kzzzzzzzzzzzz",  // overflows 64 bits
	} {
		_, err := ParseTID(s)
		assert.ErrorIs(t, err, ErrInvalidTID, s)
	}
}

func fixedClock(at time.Time) *TIDClock {
	c := NewTIDClock(5)
	c.now = func() time.Time { return at }
	return c
}

func TestTIDClock_EncodesTime(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)
	tid := fixedClock(at).Next()
	got, err := TIDTime(tid)
	require.NoError(t, err)
	assert.True(t, got.Equal(at), "got %s", got)

	v, err := ParseTID(tid)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v&clockIDMask)
}

func TestTIDClock_MonotonicWhenClockStalls(t *testing.T) {
	c := fixedClock(time.Unix(1700000000, 0))
	prev := c.Next()
	for i := 0; i < 100; i++ {
		next := c.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTIDClock_MonotonicWhenClockStepsBack(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewTIDClock(1)
	c.now = func() time.Time { return now }
	first := c.Next()
	now = now.Add(-time.Hour)
	assert.Greater(t, c.Next(), first)
}

func TestTIDClock_NextAfter(t *testing.T) {
	c := fixedClock(time.Unix(1700000000, 0))
	future := FormatTID(uint64(time.Unix(1900000000, 0).UnixMicro()) << clockIDBits)

	got, err := c.NextAfter(future)
	require.NoError(t, err)
	assert.Greater(t, got, future)
	assert.Greater(t, c.Next(), got, "later calls stay above the bumped value")

	got, err = c.NextAfter("")
	require.NoError(t, err)
	assert.Len(t, got, tidLen)

	_, err = c.NextAfter("rev1")
	assert.ErrorIs(t, err, ErrInvalidTID)
}

func TestTIDClock_Concurrent(t *testing.T) {
	c := fixedClock(time.Unix(1700000000, 0))
	const workers, each = 8, 200
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, each)
			for i := 0; i < each; i++ {
				local = append(local, c.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tid := range local {
				seen[tid] = true
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*each)
}
