package auditlog

import (
	"io"
	"sync"

	"github.com/segmentio/encoding/json"
)

// FileSink appends one JSON-lines record per call to an underlying
// io.Writer. It uses github.com/segmentio/encoding/json rather than
// encoding/json for its lower allocation overhead on the hot append path,
// the same preference the teacher library shows for low-allocation
// encoders (fastjson, klauspost/compress) over naive stdlib use.
type FileSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFileSink wraps w (typically an *os.File opened for append) as a Sink.
func NewFileSink(w io.Writer) *FileSink {
	return &FileSink{w: w}
}

// Append implements Sink.
func (s *FileSink) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = s.w.Write(b)
	return err
}
