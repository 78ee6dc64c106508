package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type stubSink struct {
	got []TripEvent
	err error
}

func (s *stubSink) Publish(_ context.Context, e TripEvent) error {
	s.got = append(s.got, e)
	return s.err
}

func (s *stubSink) Close() error { return nil }

func TestKafkaSink_KeysByTrip(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	e := TripEvent{TripID: "t1", Action: "accept", Status: "accepted", DriverID: "d1", At: time.Unix(0, 0).UTC()}

	require.NoError(t, sink.Publish(context.Background(), e))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "t1", string(w.msgs[0].Key))

	var decoded TripEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, e, decoded)

	w.err = errors.New("leader not available")
	assert.Error(t, sink.Publish(context.Background(), e))
}

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	ok, bad := &stubSink{}, &stubSink{err: errors.New("down")}
	m := Multi{bad, ok}

	err := m.Publish(context.Background(), TripEvent{TripID: "t1", Status: "cancelled"})
	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.got, 1, "one failing sink does not starve the others")
	assert.NoError(t, m.Close())
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "trip.completed", TripEvent{Status: "completed"}.RoutingKey())
}
