package git_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanmoran/gitgate/internal/git"
)

// chunkRecorder records the size of every write it receives.
type chunkRecorder struct {
	bytes.Buffer
	sizes []int
}

func (c *chunkRecorder) Write(p []byte) (int, error) {
	c.sizes = append(c.sizes, len(p))
	return c.Buffer.Write(p)
}

type closeRecorder struct {
	closed int
	err    error
}

func (c *closeRecorder) Close() error {
	c.closed++
	return c.err
}

type failingWriter struct {
	limit int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > w.limit {
		return 0, errors.New("connection reset")
	}
	w.n += len(p)
	return len(p), nil
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	return len(p) / 2, nil
}

func TestBridge(t *testing.T) {
	t.Run("copies everything in bounded chunks", func(t *testing.T) {
		data := bytes.Repeat([]byte("0123456789abcdef"), 64<<10)
		sink := &chunkRecorder{}

		result := git.Bridge{ChunkSize: 8 << 10}.Pipe(bytes.NewReader(data), sink)
		require.NoError(t, result.Err)
		assert.Equal(t, int64(len(data)), result.Bytes)
		assert.Equal(t, data, sink.Bytes())
		for _, size := range sink.sizes {
			assert.LessOrEqual(t, size, 8<<10)
		}
	})

	t.Run("clamps the chunk size", func(t *testing.T) {
		data := make([]byte, 1<<20)

		small := &chunkRecorder{}
		git.Bridge{ChunkSize: 1}.Pipe(bytes.NewReader(data), small)
		for _, size := range small.sizes {
			assert.LessOrEqual(t, size, 4<<10)
		}
		assert.Len(t, small.sizes, (1<<20)/(4<<10))

		large := &chunkRecorder{}
		git.Bridge{ChunkSize: 1 << 30}.Pipe(bytes.NewReader(data), large)
		for _, size := range large.sizes {
			assert.LessOrEqual(t, size, 64<<10)
		}
	})

	t.Run("reports sink failures and stops", func(t *testing.T) {
		data := make([]byte, 100<<10)
		release := &closeRecorder{}

		result := git.Bridge{ChunkSize: 4 << 10}.Pipe(bytes.NewReader(data), &failingWriter{limit: 10 << 10}, release)
		require.Error(t, result.Err)
		assert.Equal(t, git.SideSink, result.Side)
		assert.Equal(t, int64(8<<10), result.Bytes)
		assert.Equal(t, 1, release.closed)
	})

	t.Run("reports short writes as sink failures", func(t *testing.T) {
		result := git.Bridge{}.Pipe(bytes.NewReader([]byte("abcdef")), shortWriter{})
		require.ErrorIs(t, result.Err, io.ErrShortWrite)
		assert.Equal(t, git.SideSink, result.Side)
		assert.Equal(t, int64(3), result.Bytes)
	})

	t.Run("reports source failures after delivering what was read", func(t *testing.T) {
		boom := errors.New("client went away")
		src := io.MultiReader(bytes.NewReader([]byte("partial")), iotest.ErrReader(boom))
		var sink bytes.Buffer
		release := &closeRecorder{}

		result := git.Bridge{}.Pipe(src, &sink, release)
		require.ErrorIs(t, result.Err, boom)
		assert.Equal(t, git.SideSource, result.Side)
		assert.Equal(t, "partial", sink.String())
		assert.Equal(t, int64(7), result.Bytes)
		assert.Equal(t, 1, release.closed)
	})

	t.Run("releases handles on success and reports close failures", func(t *testing.T) {
		first := &closeRecorder{}
		second := &closeRecorder{err: errors.New("close failed")}

		result := git.Bridge{}.Pipe(bytes.NewReader([]byte("data")), io.Discard, first, second)
		require.ErrorContains(t, result.Err, "close failed")
		assert.Equal(t, git.SideSink, result.Side)
		assert.Equal(t, int64(4), result.Bytes)
		assert.Equal(t, 1, first.closed)
		assert.Equal(t, 1, second.closed)
	})

	t.Run("keeps the copy error over close failures", func(t *testing.T) {
		boom := errors.New("read failed")
		release := &closeRecorder{err: errors.New("close failed")}

		result := git.Bridge{}.Pipe(iotest.ErrReader(boom), io.Discard, release)
		require.ErrorIs(t, result.Err, boom)
		assert.Equal(t, git.SideSource, result.Side)
	})

	t.Run("handles readers returning data with EOF", func(t *testing.T) {
		var sink bytes.Buffer
		result := git.Bridge{}.Pipe(iotest.DataErrReader(bytes.NewReader([]byte("tail"))), &sink)
		require.NoError(t, result.Err)
		assert.Equal(t, "tail", sink.String())
	})
}
