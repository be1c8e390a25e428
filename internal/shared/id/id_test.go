package id

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a.String(), "sess_"))
	assert.Len(t, a.String(), len("sess_")+26)
}

func TestSessionTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	sid := NewSessionID()

	ts, err := SessionTimestamp(sid)
	require.NoError(t, err)
	assert.True(t, ts.After(before))

	_, err = SessionTimestamp("buf_123")
	assert.Error(t, err)
}

func TestConsumerTokenRoundTrip(t *testing.T) {
	tok := NewConsumerToken()

	parsed, err := ParseConsumerToken(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)

	_, err = ParseConsumerToken("not-a-token")
	assert.Error(t, err)
}

func TestNumericStrings(t *testing.T) {
	assert.Equal(t, "p7", ProducerID(7).String())
	assert.Equal(t, "ds3", DataSourceID(3).String())
	assert.Equal(t, "dsi12", DataSourceInstanceID(12).String())
	assert.Equal(t, "buf1", BufferID(1).String())
	assert.Equal(t, BufferID(65535), MaxBufferID)
}
