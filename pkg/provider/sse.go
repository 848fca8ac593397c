package provider

import (
	"bytes"
	"strings"
)

// sseFrame is one server-sent event: its optional event name and the
// joined data lines.
type sseFrame struct {
	event string
	data  string
}

// nextSSEFrame finds the first complete frame in buf. A frame ends at a
// blank line (LF or CRLF). At EOF any remaining bytes form a final frame.
// It returns the bytes consumed, or 0 when more input is needed.
func nextSSEFrame(buf []byte, atEOF bool) (sseFrame, int) {
	end, sep := frameBoundary(buf)
	if end < 0 {
		if !atEOF || len(buf) == 0 {
			return sseFrame{}, 0
		}
		end, sep = len(buf), 0
	}
	return parseSSEFrame(buf[:end]), end + sep
}

func frameBoundary(buf []byte) (int, int) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 4
	}
}

func parseSSEFrame(raw []byte) sseFrame {
	var f sseFrame
	var data []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	f.data = strings.Join(data, "\n")
	return f
}
