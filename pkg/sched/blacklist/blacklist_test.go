package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddAndIsBlacklistedExactMatch(t *testing.T) {
	m := New(nil)
	m.Add(Entry{Key: Key{PipelineID: "p1", InstanceID: "i1"}, Until: time.Now().Add(time.Minute)})

	assert.True(t, m.IsBlacklisted("p1", "i1"))
	assert.False(t, m.IsBlacklisted("p1", "i2"))
}

func TestPipelineWideEntryCoversAnyInstance(t *testing.T) {
	m := New(nil)
	m.Add(Entry{Key: Key{PipelineID: "p1"}, Until: time.Now().Add(time.Minute)})

	assert.True(t, m.IsBlacklisted("p1", "i1"))
	assert.True(t, m.IsBlacklisted("p1", "i2"))
	assert.False(t, m.IsBlacklisted("p2", "i1"))
}

func TestPermanentEntryNeverExpires(t *testing.T) {
	m := New(nil)
	m.Add(Entry{Key: Key{PipelineID: "p1", InstanceID: "i1"}, Permanent: true})

	m.Sweep()
	assert.True(t, m.IsBlacklisted("p1", "i1"))
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	m := New(nil)
	m.Add(Entry{Key: Key{PipelineID: "p1", InstanceID: "i1"}, Until: time.Now().Add(-time.Second)})

	m.Sweep()
	assert.False(t, m.IsBlacklisted("p1", "i1"))
}

func TestRemoveDeletesEntry(t *testing.T) {
	m := New(nil)
	key := Key{PipelineID: "p1", InstanceID: "i1"}
	m.Add(Entry{Key: key, Permanent: true})
	m.Remove(key)
	assert.False(t, m.IsBlacklisted("p1", "i1"))
}

func TestObserverNotifiedOnAddRemoveExpire(t *testing.T) {
	m := New(nil)
	var events []Event
	m.Observe(func(evt Event) { events = append(events, evt) })

	key := Key{PipelineID: "p1", InstanceID: "i1"}
	m.Add(Entry{Key: key, Until: time.Now().Add(-time.Second)})
	m.Sweep()
	m.Add(Entry{Key: key, Permanent: true})
	m.Remove(key)

	var kinds []EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventAdded, EventExpired, EventAdded, EventRemoved}, kinds)
}

func TestStartStopSweepLoop(t *testing.T) {
	m := New(nil)
	m.Add(Entry{Key: Key{PipelineID: "p1", InstanceID: "i1"}, Until: time.Now().Add(5 * time.Millisecond)})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, 10*time.Millisecond)
	defer func() {
		cancel()
		m.Stop()
	}()

	assert.Eventually(t, func() bool {
		return !m.IsBlacklisted("p1", "i1")
	}, time.Second, 10*time.Millisecond)
}
