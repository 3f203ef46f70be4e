package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// CompactCodec is a positional, all-ASCII encoding:
//
//	<total-length>:<action-tag><status-tag><error-block><payload-block>
//
// total-length is the byte count of everything after the first colon.
// The action tag is two characters: 'A' plus a decimal index into the
// Actions table, or "AX" when the action is unknown or absent. The status
// tag is "S+" (success), "S-" (error) or "S0" (absent). The error block
// is the literal '0' when absent, otherwise "<len>:<text>". The payload
// block is the literal '0' when absent, otherwise a JSON object.
//
// The length-prefixed framing assumes the sub-fields keep the length
// arithmetic honest; payloads embedding colons are carried inside the
// counted span, so the outer framing never scans for delimiters past the
// first colon. Prefer JSONCodec unless the compact form is required.
type CompactCodec struct{}

var errUnknownStatus = errors.New("unknown status value")

const (
	compactActionPrefix  = 'A'
	compactUnknownAction = "AX"

	compactStatusSuccess = "S+"
	compactStatusError   = "S-"
	compactStatusAbsent  = "S0"
)

// Encode serializes a record into one length-prefixed compact span.
func (CompactCodec) Encode(rec *Record) ([]byte, error) {
	var body bytes.Buffer

	if idx, ok := actionIndex(Action(rec.Action)); ok {
		body.WriteByte(compactActionPrefix)
		body.WriteString(strconv.Itoa(idx))
	} else {
		body.WriteString(compactUnknownAction)
	}

	switch rec.Status {
	case StatusSuccess:
		body.WriteString(compactStatusSuccess)
	case StatusError:
		body.WriteString(compactStatusError)
	case "":
		body.WriteString(compactStatusAbsent)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownStatus, rec.Status)
	}

	if rec.Error == "" {
		body.WriteByte('0')
	} else {
		body.WriteString(strconv.Itoa(len(rec.Error)))
		body.WriteByte(':')
		body.WriteString(rec.Error)
	}

	if rec.Data == nil {
		body.WriteByte('0')
	} else {
		payload, err := json.Marshal(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		body.Write(payload)
	}

	out := bytes.Buffer{}
	out.WriteString(strconv.Itoa(body.Len()))
	out.WriteByte(':')
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Decode repeatedly consumes length-prefixed spans from the buffer. A
// truncated length prefix or a span shorter than its declared length
// stops the decode cleanly and is left unconsumed so the caller can retry
// once more bytes arrive. A length prefix that can never become valid is
// unrecoverable framing garbage and the rest of the buffer is discarded.
// A complete span whose body fails to parse is dropped and decoding
// continues with the next span.
func (CompactCodec) Decode(data []byte) ([]*Record, int) {
	var records []*Record
	consumed := 0

	for len(data) > 0 {
		colon := bytes.IndexByte(data, ':')
		if colon < 0 {
			if !allDigits(data) {
				consumed += len(data)
			}
			break
		}
		length, err := strconv.Atoi(string(data[:colon]))
		if err != nil || length < 0 {
			consumed += len(data)
			break
		}
		rest := data[colon+1:]
		if len(rest) < length {
			break
		}
		if rec := decodeCompactSpan(rest[:length]); rec != nil {
			records = append(records, rec)
		}
		consumed += colon + 1 + length
		data = rest[length:]
	}

	return records, consumed
}

// allDigits reports whether data could still be a truncated length
// prefix.
func allDigits(data []byte) bool {
	for _, b := range data {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

// decodeCompactSpan parses one span body, returning nil when malformed.
func decodeCompactSpan(span []byte) *Record {
	// Action tag (2) plus status tag (2) plus at least '0' '0' blocks.
	if len(span) < 6 {
		return nil
	}

	rec := &Record{}

	rest := span
	if string(rest[:2]) == compactUnknownAction {
		rest = rest[2:]
	} else {
		if rest[0] != compactActionPrefix {
			return nil
		}
		// The index can span several digits; the status tag's 'S' is
		// not a digit, so the boundary is unambiguous.
		digits := 1
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		idx, err := strconv.Atoi(string(rest[1:digits]))
		if err != nil || idx >= len(Actions) {
			return nil
		}
		rec.Action = string(Actions[idx])
		rest = rest[digits:]
	}

	if len(rest) < 2 {
		return nil
	}
	switch string(rest[:2]) {
	case compactStatusSuccess:
		rec.Status = StatusSuccess
	case compactStatusError:
		rec.Status = StatusError
	case compactStatusAbsent:
	default:
		return nil
	}
	rest = rest[2:]

	if len(rest) == 0 {
		return nil
	}

	// Error block: literal '0' means absent, otherwise "<len>:<text>".
	if rest[0] == '0' && (len(rest) == 1 || rest[1] != ':') {
		rest = rest[1:]
	} else {
		colon := bytes.IndexByte(rest, ':')
		if colon < 0 {
			return nil
		}
		errLen, err := strconv.Atoi(string(rest[:colon]))
		if err != nil || errLen < 0 || len(rest) < colon+1+errLen {
			return nil
		}
		rec.Error = string(rest[colon+1 : colon+1+errLen])
		rest = rest[colon+1+errLen:]
	}

	// Payload block: literal '0' means absent, otherwise a JSON object.
	if len(rest) == 0 {
		return nil
	}
	if len(rest) == 1 && rest[0] == '0' {
		return rec
	}
	var data map[string]any
	if err := json.Unmarshal(rest, &data); err != nil {
		return nil
	}
	rec.Data = data
	return rec
}
