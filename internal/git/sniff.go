package git

import (
	"bytes"
	"io"
)

// maxSniff bounds how much of a push request is kept to read its commands.
const maxSniff = 64 << 10

// commandSniffer passes a receive-pack request through unchanged while keeping
// a bounded copy of its head, from which the ref update commands are decoded
// once the transfer is over.
type commandSniffer struct {
	r     io.Reader
	head  []byte
	limit int
}

func newCommandSniffer(r io.Reader) *commandSniffer {
	return &commandSniffer{r: r, limit: maxSniff}
}

func (s *commandSniffer) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if room := s.limit - len(s.head); room > 0 && n > 0 {
		s.head = append(s.head, p[:min(n, room)]...)
	}
	return n, err
}

// Refs returns the refs named by "<old> <new> <ref>" command lines preceding
// the first flush. Capabilities after the NUL on the first line are ignored.
func (s *commandSniffer) Refs() []string {
	var refs []string
	b := s.head
	for len(b) > 0 {
		frame, n, err := DecodeFrame(b)
		if err != nil || frame.Kind != DataFrame {
			break
		}
		b = b[n:]

		line := frame.Payload
		if i := bytes.IndexByte(line, 0); i >= 0 {
			line = line[:i]
		}
		fields := bytes.Fields(line)
		if len(fields) == 3 {
			refs = append(refs, string(fields[2]))
		}
	}
	return refs
}
