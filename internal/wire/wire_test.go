package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	aead, err := NewAEAD("shared-secret")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, aead, TagBundleOut, []byte(`{"id":"b1"}`)))

	tag, payload, err := ReadFrame(&buf, aead)
	require.NoError(t, err)
	assert.Equal(t, TagBundleOut, tag)
	assert.Equal(t, `{"id":"b1"}`, string(payload))
}

func TestFrameEmptyPayload(t *testing.T) {
	aead, err := NewAEAD("shared-secret")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, aead, TagHeartbeat, nil))

	tag, payload, err := ReadFrame(&buf, aead)
	require.NoError(t, err)
	assert.Equal(t, TagHeartbeat, tag)
	assert.Empty(t, payload)
}

func TestFrameWrongTokenFailsAuth(t *testing.T) {
	sender, err := NewAEAD("correct-token")
	require.NoError(t, err)
	receiver, err := NewAEAD("wrong-token")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, sender, TagBundleIn, []byte("payload")))

	_, _, err = ReadFrame(&buf, receiver)
	require.ErrorIs(t, err, ErrAuth)
}

func TestFrameTamperedHeaderFailsAuth(t *testing.T) {
	aead, err := NewAEAD("shared-secret")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, aead, TagBundleIn, []byte("payload")))

	raw := buf.Bytes()
	raw[0] = byte(TagAck) // flip the tag after sealing

	_, _, err = ReadFrame(bytes.NewReader(raw), aead)
	require.ErrorIs(t, err, ErrAuth)
}

func TestRejectsOversizedLength(t *testing.T) {
	aead, err := NewAEAD("shared-secret")
	require.NoError(t, err)

	header := []byte{byte(TagBundleIn), 0xff, 0xff, 0xff, 0xff}
	_, _, err = ReadFrame(bytes.NewReader(header), aead)
	require.Error(t, err)
}
