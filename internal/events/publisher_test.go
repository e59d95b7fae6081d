package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type stubWriter struct {
	msgs []kafka.Message
	err  error
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	s.msgs = append(s.msgs, msgs...)
	return s.err
}

func TestKafkaPublisherKeysByUser(t *testing.T) {
	w := &stubWriter{}
	pub := NewKafkaPublisher(w)
	sharedAt := time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)

	err := pub.PublishPostShared(context.Background(), PostShared{
		PostID:       "p1",
		UserID:       "u1",
		ActivityType: "run",
		Visibility:   "public",
		Strategy:     "rpc",
		SharedAt:     sharedAt,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, []byte("u1"), w.msgs[0].Key)
	require.Equal(t, "post.shared", string(w.msgs[0].Headers[0].Value))
	require.Equal(t, "rpc", string(w.msgs[0].Headers[2].Value))

	var decoded PostShared
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, "p1", decoded.PostID)
	require.True(t, sharedAt.Equal(decoded.SharedAt))
}

func TestNoopPublisher(t *testing.T) {
	require.NoError(t, NoopPublisher{}.PublishPostShared(context.Background(), PostShared{}))
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewKafkaPublisher(&stubWriter{err: boom})
	err := pub.PublishPostShared(context.Background(), PostShared{PostID: "p1", UserID: "u1"})
	require.ErrorIs(t, err, boom)
}

func TestPostSharedWriterDefaults(t *testing.T) {
	w := NewPostSharedWriter(WriterConfig{Brokers: []string{"localhost:9092"}})
	defer w.Close()
	require.Equal(t, DefaultPostSharedTopic, w.Topic)
	require.IsType(t, &kafka.Hash{}, w.Balancer)
	require.Equal(t, kafka.RequireAll, w.RequiredAcks)
}
