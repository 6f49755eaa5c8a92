package stream

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"edgecopilot/internal/completion"
	"edgecopilot/internal/events"
	"edgecopilot/internal/metrics"
)

var errNilEvent = errors.New("nil event")

// Relay turns a raw agent event sequence into chat-completion frames.
type Relay struct {
	Encoder *completion.Encoder
}

func NewRelay(enc *completion.Encoder) *Relay {
	return &Relay{Encoder: enc}
}

// Run consumes src to the end and writes one frame per client-visible delta,
// then the terminal chunk and the [DONE] sentinel. A failing event becomes an
// inline error frame and the relay moves on; a failing source becomes an
// inline error frame and ends the stream. Both src and w are closed on every
// return path, w exactly once.
func (r *Relay) Run(runID string, src Source[*events.Event], w io.WriteCloser) (err error) {
	var closeOnce sync.Once
	release := func() {
		closeOnce.Do(func() {
			if cerr := w.Close(); cerr != nil {
				log.Printf("[relay] run %s: close writer: %v", runID, cerr)
			}
		})
	}
	defer release()
	defer src.Close()

	for {
		ev, recvErr := src.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			log.Printf("[relay] run %s: error streaming graph: %v", runID, recvErr)
			metrics.StreamInlineErrors.Inc()
			if werr := write(w, completion.ErrorFrame(recvErr)); werr != nil {
				return werr
			}
			return recvErr
		}

		frame, perr := r.process(runID, ev)
		if perr != nil {
			log.Printf("[relay] run %s: %v", runID, perr)
			metrics.StreamInlineErrors.Inc()
			frame = completion.ErrorFrame(perr)
		}
		if frame == nil {
			continue
		}
		if werr := write(w, frame); werr != nil {
			// the reading side is gone; nothing else can be delivered
			debugLog("[relay] run %s: writer closed: %v", runID, werr)
			return werr
		}
		if perr == nil {
			metrics.StreamDeltas.Inc()
		}
	}

	final, err := completion.DataFrame(r.Encoder.Final(runID))
	if err != nil {
		return err
	}
	if err := write(w, final); err != nil {
		return err
	}
	return write(w, completion.DoneFrame)
}

// process renders one event, or returns nil for suppressed events.
func (r *Relay) process(runID string, ev *events.Event) (frame []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			frame, err = nil, fmt.Errorf("process event: %v", p)
		}
	}()
	if ev == nil {
		return nil, errNilEvent
	}
	delta, ok := events.Normalize(ev)
	if !ok {
		debugLog("[relay] run %s: suppressed %s %v", runID, ev.Kind, ev.Tags)
		return nil, nil
	}
	return completion.DataFrame(r.Encoder.Chunk(runID, delta.Content))
}

func write(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}
