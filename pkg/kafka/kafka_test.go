package kafka

import (
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func TestDecodeJSON(t *testing.T) {
	msg, err := DecodeJSON[ingestMessage]([]byte(`{"id":"doc-1","content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "doc-1", msg.ID)

	_, err = DecodeJSON[ingestMessage]([]byte(`{`))
	assert.Error(t, err)
}

var _ Publisher = (*Producer)(nil)

func TestHeaderLookup(t *testing.T) {
	msg := kafkago.Message{Headers: []kafkago.Header{
		{Key: "other", Value: []byte("x")},
		{Key: TraceHeader, Value: []byte("trace-123")},
	}}
	assert.Equal(t, "trace-123", header(msg, TraceHeader))
	assert.Empty(t, header(kafkago.Message{}, TraceHeader))
}
