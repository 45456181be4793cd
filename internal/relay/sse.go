package relay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxBlockSize = 1 << 20 // 1MB per event block

// Decoder reads a stream of blank-line-delimited event blocks. Each block's
// data lines are concatenated and parsed as one JSON value; a single outer
// {"event": ...} envelope is unwrapped when present.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxBlockSize)
	return &Decoder{scanner: sc}
}

// Next returns the next decoded payload. io.EOF signals a clean end of stream.
func (d *Decoder) Next() ([]byte, error) {
	var data []string
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if len(data) == 0 {
				continue // empty block, keep reading
			}
			return decodeBlock(data)
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
		// Other fields (event:, id:, retry:) carry no payload here; the JSON
		// body is self-describing.
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return decodeBlock(data)
	}
	return nil, io.EOF
}

func decodeBlock(lines []string) ([]byte, error) {
	raw := []byte(strings.Join(lines, "\n"))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("event block is not valid JSON: %.80s", raw)
	}
	return unwrapEnvelope(raw), nil
}

// unwrapEnvelope strips one optional {"event": ...} wrapper.
func unwrapEnvelope(raw []byte) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	if len(m) == 1 {
		if inner, ok := m["event"]; ok {
			return inner
		}
	}
	return raw
}
