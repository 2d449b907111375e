package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kolkov/dpor/internal/dpor/objectkey"
)

func TestEventKind_IsAccess(t *testing.T) {
	assert.True(t, Read.IsAccess())
	assert.True(t, Write.IsAccess())
	assert.False(t, LockAcquire.IsAccess())
	assert.False(t, LockRelease.IsAccess())
}

func TestEvent_Conflicts(t *testing.T) {
	key := objectkey.Mem(1, "x")
	other := objectkey.Mem(2, "y")

	read := Event{Kind: Read, Key: key}
	write := Event{Kind: Write, Key: key}

	assert.True(t, read.Conflicts(write), "read/write on the same key conflicts")
	assert.True(t, write.Conflicts(write), "write/write on the same key conflicts")
	assert.False(t, read.Conflicts(read), "read/read never conflicts")
	assert.False(t, write.Conflicts(Event{Kind: Write, Key: other}), "different keys never conflict")

	lock := Event{Kind: LockAcquire, Key: key}
	assert.False(t, read.Conflicts(lock), "an access and a sync event never conflict")
}

func TestEventLog_AppendPreservesOrderAndPerThreadView(t *testing.T) {
	log := New()
	i0 := log.Append(Event{Kind: Write, Thread: 0})
	i1 := log.Append(Event{Kind: Read, Thread: 1})
	i2 := log.Append(Event{Kind: Read, Thread: 0})

	assert.Equal(t, []int{0, 1, 2}, []int{i0, i1, i2})
	assert.Equal(t, 3, log.Len())
	assert.Equal(t, Write, log.At(0).Kind)

	t0 := log.Thread(0)
	assert.Len(t, t0, 2)
	assert.Equal(t, Write, t0[0].Kind)
	assert.Equal(t, Read, t0[1].Kind)

	t1 := log.Thread(1)
	assert.Len(t, t1, 1)
}

func TestEventLog_ScheduleTraceCollapsesConsecutiveSameThread(t *testing.T) {
	log := New()
	log.Append(Event{Thread: 0})
	log.Append(Event{Thread: 0})
	log.Append(Event{Thread: 1})
	log.Append(Event{Thread: 0})

	trace := log.ScheduleTrace()
	assert.Equal(t, []ThreadID{0, 1, 0}, trace)
}

func TestEventLog_EmptyLog(t *testing.T) {
	log := New()
	assert.Equal(t, 0, log.Len())
	assert.Empty(t, log.All())
	assert.Empty(t, log.ScheduleTrace())
}
