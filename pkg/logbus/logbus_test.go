package logbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/joblet/pkg/domain"
)

func TestWriteAndSubscribeTail(t *testing.T) {
	b := New(t.TempDir(), 16, time.Hour)
	sub := b.Subscribe("j1", -1)

	b.Write("j1", domain.ChannelStdout, "hello")
	rec := <-sub
	assert.Equal(t, "hello", string(rec.Message))
	assert.Equal(t, uint64(0), rec.Sequence)
}

func TestSubscribeReplaysRingFromSequence(t *testing.T) {
	b := New(t.TempDir(), 16, time.Hour)
	b.Write("j1", domain.ChannelStdout, "line0")
	b.Write("j1", domain.ChannelStdout, "line1")
	b.Write("j1", domain.ChannelStdout, "line2")

	sub := b.Subscribe("j1", 1)
	first := <-sub
	second := <-sub
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
}

func TestRingBoundedCapacity(t *testing.T) {
	b := New(t.TempDir(), 2, time.Hour)
	b.Write("j1", domain.ChannelStdout, "a")
	b.Write("j1", domain.ChannelStdout, "b")
	b.Write("j1", domain.ChannelStdout, "c")

	jl := b.jobLogFor("j1")
	snap := jl.snapshotRingLocked()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", string(snap[0].Message))
	assert.Equal(t, "c", string(snap[1].Message))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(t.TempDir(), 16, time.Hour)
	sub := b.Subscribe("j1", -1)
	b.Unsubscribe("j1", sub)

	_, open := <-sub
	assert.False(t, open)
}

func TestCloseRemovesJobState(t *testing.T) {
	b := New(t.TempDir(), 16, time.Hour)
	sub := b.Subscribe("j1", -1)
	b.Close("j1")

	_, open := <-sub
	assert.False(t, open)
}
