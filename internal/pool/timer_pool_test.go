package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTimer_Fires(t *testing.T) {
	timer := GetTimer(10 * time.Millisecond)
	defer PutTimer(timer)

	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestPutTimer_Reuse(t *testing.T) {
	t1 := GetTimer(time.Hour)
	PutTimer(t1)

	// The recycled timer must be reset correctly and fire on schedule.
	t2 := GetTimer(5 * time.Millisecond)
	defer PutTimer(t2)

	start := time.Now()
	select {
	case <-t2.C:
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(time.Second):
		t.Fatal("recycled timer did not fire")
	}
}

func TestPutTimer_DrainsFiredTimer(t *testing.T) {
	timer := GetTimer(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	// Timer already fired; PutTimer must drain the channel.
	PutTimer(timer)

	next := GetTimer(time.Hour)
	defer PutTimer(next)

	select {
	case <-next.C:
		require.Fail(t, "stale fire leaked into recycled timer")
	case <-time.After(20 * time.Millisecond):
	}
}
