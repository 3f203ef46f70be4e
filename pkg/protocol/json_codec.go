package protocol

import "encoding/json"

// JSONCodec encodes each record as a self-delimiting JSON object. This is
// the default wire codec.
type JSONCodec struct{}

// Encode serializes a record to JSON. Empty fields are omitted entirely.
func (JSONCodec) Encode(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

// Decode splits the buffer into top-level brace-balanced spans and parses
// each span independently. A span that fails to parse is dropped rather
// than aborting the decode, so one malformed record never costs the valid
// records that follow it. A trailing unbalanced span (a partial read) is
// left unconsumed so the caller can retry it with more bytes appended;
// everything before it counts as consumed, including stray bytes between
// records.
func (JSONCodec) Decode(data []byte) ([]*Record, int) {
	var records []*Record

	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				// Stray closing brace between records, skip it.
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				var rec Record
				if err := json.Unmarshal(data[start:i+1], &rec); err == nil {
					records = append(records, &rec)
				}
				start = -1
			}
		}
	}

	if depth > 0 && start >= 0 {
		return records, start
	}
	return records, len(data)
}
