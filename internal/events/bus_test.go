package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsSequence(t *testing.T) {
	bus := NewBus(10)

	first := bus.Publish(Event{Type: JobCreated, JobID: "a"})
	second := bus.Publish(Event{Type: JobStarted, JobID: "a"})

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, int64(2), bus.LastSeq())
}

func TestSinceAndRetention(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: JobProgress, JobID: "a", Progress: i * 10})
	}

	all := bus.Since(0)
	require.Len(t, all, 3, "only the newest events are retained")
	assert.Equal(t, int64(3), all[0].Seq)

	tail := bus.Since(4)
	require.Len(t, tail, 1)
	assert.Equal(t, 40, tail[0].Progress)
}

func TestForJob(t *testing.T) {
	bus := NewBus(0)
	bus.Publish(Event{Type: JobCreated, JobID: "a"})
	bus.Publish(Event{Type: JobCreated, JobID: "b"})
	bus.Publish(Event{Type: JobStarted, JobID: "a"})

	got := bus.ForJob("a")
	require.Len(t, got, 2)
	assert.Equal(t, JobCreated, got[0].Type)
	assert.Equal(t, JobStarted, got[1].Type)
}

func TestSubscribe(t *testing.T) {
	bus := NewBus(10)
	ch, cancel := bus.Subscribe(4)

	bus.Publish(Event{Type: JobCreated, JobID: "a"})
	got := <-ch
	assert.Equal(t, JobCreated, got.Type)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	bus.Publish(Event{Type: JobDeleted, JobID: "a"})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(100)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: JobProgress})
	}
	assert.Equal(t, int64(4), bus.Dropped())
}

func TestSinksReceiveInOrder(t *testing.T) {
	var mu sync.Mutex
	var seqs []int64
	bus := NewBus(10, SinkFunc(func(e Event) error {
		mu.Lock()
		seqs = append(seqs, e.Seq)
		mu.Unlock()
		return nil
	}))
	bus.AddSink(SinkFunc(func(Event) error { return errors.New("sink down") }))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: JobProgress})
		}()
	}
	wg.Wait()

	require.Len(t, seqs, 20)
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	fake := &fakePublisher{}
	sink := newRedisSink(fake, "")

	err := sink.Handle(Event{Seq: 7, Type: JobCompleted, JobID: "job-1", Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, DefaultChannel, fake.channel)

	var decoded Event
	require.NoError(t, json.Unmarshal(fake.payload, &decoded))
	assert.Equal(t, int64(7), decoded.Seq)
	assert.Equal(t, JobCompleted, decoded.Type)

	fake.err = errors.New("connection refused")
	assert.Error(t, sink.Handle(Event{Type: JobFailed}))
}
