package git

import (
	"errors"
	"io"
)

const (
	DefaultChunkSize = 32 << 10
	minChunkSize     = 4 << 10
	maxChunkSize     = 64 << 10
)

// Bridge moves bytes from a source to a sink in fixed-size chunks. It holds at
// most one chunk in memory and never interprets the data.
type Bridge struct {
	ChunkSize int
}

// BridgeResult reports how many bytes reached the sink and, on failure, which
// side failed.
type BridgeResult struct {
	Bytes int64
	Side  Side
	Err   error
}

// Pipe copies src to sink until src is exhausted or either side fails. Every
// closer in release is closed before Pipe returns, on all paths; a close
// failure is only reported when the copy itself succeeded. A short write is
// reported as a sink failure.
func (b Bridge) Pipe(src io.Reader, sink io.Writer, release ...io.Closer) (result BridgeResult) {
	defer func() {
		var errs []error
		for _, c := range release {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil && result.Err == nil {
			result = BridgeResult{Bytes: result.Bytes, Side: SideSink, Err: err}
		}
	}()

	size := b.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	size = min(max(size, minChunkSize), maxChunkSize)
	buf := make([]byte, size)

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := sink.Write(buf[:nr])
			result.Bytes += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				result.Side, result.Err = SideSink, werr
				return result
			}
		}
		if rerr == io.EOF {
			return result
		}
		if rerr != nil {
			result.Side, result.Err = SideSource, rerr
			return result
		}
	}
}
