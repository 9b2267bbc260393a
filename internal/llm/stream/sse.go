package stream

// Package stream implements the per-request streaming pipeline: SSE framing,
// incremental tool-call assembly, cross-chunk usage extraction, and the loop
// that moves canonical events from an upstream body to a downstream writer.
//
// All state in this package is per-request. Nothing here is shared across
// requests; the pipeline owns its assembler and buffers for the lifetime of
// one stream and discards them afterwards.

import "strings"

// DoneMarker is the OpenAI-style stream terminator payload.
const DoneMarker = "[DONE]"

// Framer splits an SSE byte stream into complete frames. Frames are
// delimited by a blank line; a trailing incomplete frame is buffered until
// the next push.
type Framer struct {
	buf strings.Builder
}

// Push appends a chunk and returns the complete frames it closed.
func (f *Framer) Push(chunk []byte) []string {
	f.buf.Write(chunk)

	data := f.buf.String()
	var frames []string
	for {
		i := strings.Index(data, "\n\n")
		if i < 0 {
			break
		}
		frames = append(frames, data[:i])
		data = data[i+2:]
	}
	f.buf.Reset()
	f.buf.WriteString(data)
	return frames
}

// Rest returns the buffered incomplete frame, if any.
func (f *Framer) Rest() string { return f.buf.String() }

// DataPayloads extracts the data lines of one frame, stripped of the
// "data:" prefix. Non-data lines (event:, id:, comments) are ignored.
func DataPayloads(frame string) []string {
	var payloads []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimRight(line, "\r")
		rest, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payloads = append(payloads, strings.TrimSpace(rest))
	}
	return payloads
}

// IsDone reports whether a data payload terminates the stream.
func IsDone(payload string) bool {
	return payload == "" || payload == DoneMarker
}
