package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"edgecopilot/internal/completion"
)

// ErrInlineFailure reports an error marker at the head of a client stream.
var ErrInlineFailure = errors.New("stream: inline failure")

const peekSize = 32 * 1024

var lowerMarker = bytes.ToLower([]byte(completion.ErrorMarker))

// Gate reads the first chunk of r and rejects the stream when it carries an
// inline error marker. Otherwise the returned reader yields exactly the bytes
// r would have produced.
func Gate(r io.ReadCloser) (io.ReadCloser, error) {
	buf := make([]byte, peekSize)
	n, err := r.Read(buf)
	for n == 0 && err == nil {
		n, err = r.Read(buf)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		_ = r.Close()
		return nil, fmt.Errorf("validate stream: %w", err)
	}
	head := buf[:n]
	if bytes.Contains(bytes.ToLower(head), lowerMarker) {
		closeWithError(r, ErrInlineFailure)
		return nil, fmt.Errorf("%w: %s", ErrInlineFailure, bytes.TrimSpace(head))
	}
	return &gated{Reader: io.MultiReader(bytes.NewReader(head), r), src: r}, nil
}

type gated struct {
	io.Reader
	src io.Closer
}

func (g *gated) Close() error {
	return g.src.Close()
}

func closeWithError(r io.Closer, err error) {
	if pr, ok := r.(*io.PipeReader); ok {
		_ = pr.CloseWithError(err)
		return
	}
	_ = r.Close()
}
