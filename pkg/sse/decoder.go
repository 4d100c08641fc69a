// Package sse decodes the service's server-pushed event stream.
//
// The wire is newline-delimited. Only lines starting with "data: " are significant; the
// rest of such a line is a JSON event. Lines are reassembled across reads, so a frame split
// over two transport chunks still yields one event.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Prefix marks significant frames.
const Prefix = "data: "

const maxFrameSize = 4 << 20

// Decoder turns a byte stream into events. It is not restartable; use one per stream.
type Decoder struct {
	r    *bufio.Reader
	line []byte
	done bool

	// Skipped counts frames dropped because their payload was not valid JSON.
	Skipped int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 32*1024)}
}

// Next returns the next known event. It returns io.EOF once the transport is closed and
// every buffered frame was consumed; any other error is a transport failure.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return Event{}, io.EOF
		}
		line, err := d.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		if errors.Is(err, io.EOF) {
			d.done = true
			if len(line) == 0 {
				return Event{}, io.EOF
			}
		}

		ev, ok := d.decodeFrame(line)
		if ok {
			return ev, nil
		}
	}
}

// readLine reads up to and excluding the next '\n', carrying partial lines across reads.
func (d *Decoder) readLine() ([]byte, error) {
	d.line = d.line[:0]
	for {
		chunk, err := d.r.ReadSlice('\n')
		d.line = append(d.line, chunk...)
		if len(d.line) > maxFrameSize {
			return nil, errors.Errorf("sse: frame exceeds %d bytes", maxFrameSize)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return bytes.TrimRight(d.line, "\r\n"), err
		}
		return bytes.TrimRight(d.line, "\r\n"), nil
	}
}

func (d *Decoder) decodeFrame(line []byte) (Event, bool) {
	if !bytes.HasPrefix(line, []byte(Prefix)) {
		return Event{}, false
	}
	payload := line[len(Prefix):]
	if len(payload) == 0 {
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.Skipped++
		log.Warn().Err(err).Str("component", "sse").Int("frame_bytes", len(payload)).Msg("skipping malformed frame")
		return Event{}, false
	}
	if !ev.Type.Known() {
		log.Debug().Str("component", "sse").Str("type", string(ev.Type)).Msg("ignoring unknown event type")
		return Event{}, false
	}
	return ev, true
}
