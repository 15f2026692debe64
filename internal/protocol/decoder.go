package protocol

import (
	"bytes"
)

// Frame is one item produced by the Decoder. Exactly one of Envelope, Err or
// Text is set.
type Frame struct {
	Envelope *Envelope
	Err      error
	// Text holds a non-protocol line, typically device boot output.
	Text string
}

// Decoder reassembles newline-delimited envelopes from an arbitrary byte
// stream. It is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends data to the buffer and returns every complete line decoded so
// far. A partial trailing line is kept for the next call.
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]
		if f, ok := decodeLine(line); ok {
			frames = append(frames, f)
		}
	}

	if len(d.buf) > MaxFrameSize {
		d.buf = nil
		frames = append(frames, Frame{Err: NewError(KindFrameTooLarge, "unterminated input exceeds %d bytes, discarded", MaxFrameSize)})
	}

	// Release the consumed prefix so the backing array does not grow forever.
	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return frames
}

// Buffered returns the number of bytes waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received line.
func (d *Decoder) Reset() {
	d.buf = nil
}

func decodeLine(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) > MaxFrameSize {
		return Frame{Err: NewError(KindFrameTooLarge, "frame of %d bytes exceeds %d", len(line), MaxFrameSize)}, true
	}

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Frame{}, false
	}
	if trimmed[0] != '{' {
		return Frame{Text: string(trimmed)}, true
	}

	env, err := parseEnvelope(trimmed)
	if err != nil {
		return Frame{Err: err}, true
	}
	return Frame{Envelope: env}, true
}
