package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/xmldoc"
)

// ReadTimeout bounds how long a module waits for its request document.
const ReadTimeout = 3 * time.Second

// ErrNoRequest is returned when stdin never yields a complete document.
var ErrNoRequest = errors.New("no request document received")

// ServeStdio reads one request document from r, processes it with m and
// writes the response to w. Input is accumulated until it parses or the read
// window closes.
func ServeStdio(ctx context.Context, m *Module, r io.Reader, w io.Writer) error {
	req, err := readRequest(ctx, r, ReadTimeout)
	if err != nil {
		return err
	}
	resp := m.Process(ctx, req)
	if _, err := w.Write(resp.Marshal()); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

type chunk struct {
	data []byte
	err  error
}

func readRequest(ctx context.Context, r io.Reader, window time.Duration) (*xmldoc.Element, error) {
	chunks := make(chan chunk, 1)
	go func() {
		for {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			select {
			case chunks <- chunk{data: buf[:n], err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	var data []byte
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoRequest
		case c := <-chunks:
			data = append(data, c.data...)
			if len(c.data) > 0 {
				if doc, err := xmldoc.Parse(data); err == nil {
					return doc, nil
				}
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return nil, ErrNoRequest
				}
				return nil, fmt.Errorf("read request: %w", c.err)
			}
		}
	}
}
