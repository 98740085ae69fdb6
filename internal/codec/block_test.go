package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 5000)

	var buf bytes.Buffer
	bw := NewBlockWriter(&buf, 0)
	n, err := bw.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, bw.Close())

	// Repetitive input must actually compress.
	assert.Less(t, buf.Len(), len(payload))
	assert.Equal(t, uint64(buf.Len()), bw.CompressedBytes())

	got, err := io.ReadAll(NewBlockReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBlockRoundTripSmallBlocks(t *testing.T) {
	payload := []byte("spans multiple tiny blocks without losing bytes")

	var buf bytes.Buffer
	bw := NewBlockWriter(&buf, 8)
	_, err := bw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	got, err := io.ReadAll(NewBlockReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBlockFlushPointsIrrelevant(t *testing.T) {
	payload := bytes.Repeat([]byte("abc123"), 100)

	var a, b bytes.Buffer
	wa := NewBlockWriter(&a, 0)
	_, err := wa.Write(payload)
	require.NoError(t, err)
	require.NoError(t, wa.Close())

	wb := NewBlockWriter(&b, 0)
	for _, c := range payload {
		_, err := wb.Write([]byte{c})
		require.NoError(t, err)
		if c == '1' {
			require.NoError(t, wb.Flush())
		}
	}
	require.NoError(t, wb.Close())

	gotA, err := io.ReadAll(NewBlockReader(&a))
	require.NoError(t, err)
	gotB, err := io.ReadAll(NewBlockReader(&b))
	require.NoError(t, err)
	assert.Equal(t, gotA, gotB)
}

func TestBlockChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	bw := NewBlockWriter(&buf, 0)
	_, err := bw.Write([]byte("some payload that will be corrupted"))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	// Flip one bit inside the first block payload.
	corrupted := buf.Bytes()
	corrupted[5] ^= 0x01

	_, err = io.ReadAll(NewBlockReader(bytes.NewReader(corrupted)))
	require.Error(t, err)
}

func TestBlockTruncatedTrailer(t *testing.T) {
	var buf bytes.Buffer
	bw := NewBlockWriter(&buf, 0)
	_, err := bw.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	truncated := buf.Bytes()[:buf.Len()-4]
	_, err = io.ReadAll(NewBlockReader(bytes.NewReader(truncated)))
	require.Error(t, err)
}

func TestBlockEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	bw := NewBlockWriter(&buf, 0)
	require.NoError(t, bw.Close())

	got, err := io.ReadAll(NewBlockReader(&buf))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordsOverBlockLayer(t *testing.T) {
	var buf bytes.Buffer
	bw := NewBlockWriter(&buf, 0)
	w := NewWriter(bw, KindPKV)

	records := []PKV{
		{Priority: []byte{9}, Key: []byte("x"), Value: []byte("vx")},
		{Priority: []byte{1}, Key: []byte("y"), Value: []byte("vy")},
	}
	for _, rec := range records {
		require.NoError(t, w.AppendPKV(rec))
	}
	// Writer.Close seals the block layer when it owns one.
	require.NoError(t, w.Close())

	r := NewReader(NewBlockReader(&buf), KindPKV, ReaderOpts{})
	for _, want := range records {
		got, ok, err := r.ReadPKV()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte(want.Key), append([]byte{}, got.Key...))
	}
	_, ok, err := r.ReadPKV()
	require.NoError(t, err)
	assert.False(t, ok)
}
