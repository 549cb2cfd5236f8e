package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNilPayload   = errors.New("envelope has no payload")
	ErrTypeMismatch = errors.New("envelope type does not match payload")
)

// Outcome classifies how inbound bytes were interpreted by Decode.
type Outcome int

const (
	// OutcomeDecoded means a registered tag was parsed into its payload type.
	OutcomeDecoded Outcome = iota
	// OutcomeTextFallback means the bytes were not a tagged JSON object and
	// were wrapped in a Text payload.
	OutcomeTextFallback
	// OutcomeUnknownType means the object carried an unregistered tag.
	OutcomeUnknownType
	// OutcomeInvalidPayload means a registered tag had fields of the wrong
	// shape. The envelope carries the Type but no Payload.
	OutcomeInvalidPayload
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDecoded:
		return "decoded"
	case OutcomeTextFallback:
		return "text_fallback"
	case OutcomeUnknownType:
		return "unknown_type"
	case OutcomeInvalidPayload:
		return "invalid_payload"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of decoding one inbound message.
type Result struct {
	Envelope Envelope
	Outcome  Outcome
	// Err describes why a payload was rejected; set only for
	// OutcomeInvalidPayload.
	Err error
}

// Encode serializes env to the flat wire form. "type" is written first,
// followed by "timestamp" when non-zero and then the payload's fields.
func Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, ErrNilPayload
	}
	tag := env.Payload.MessageType()
	if env.Type != "" && env.Type != tag {
		return nil, fmt.Errorf("%w: %q vs %q", ErrTypeMismatch, env.Type, tag)
	}

	var body []byte
	var err error
	if u, ok := env.Payload.(Unknown); ok {
		fields := make(map[string]json.RawMessage, len(u.Fields))
		for k, v := range u.Fields {
			if k == "type" || k == "timestamp" {
				continue
			}
			fields[k] = v
		}
		body, err = json.Marshal(fields)
	} else {
		body, err = json.Marshal(env.Payload)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", tag, err)
	}

	tagJSON, err := json.Marshal(string(tag))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tagJSON) + 40)
	buf.WriteString(`{"type":`)
	buf.Write(tagJSON)
	if env.Timestamp != 0 {
		fmt.Fprintf(&buf, `,"timestamp":%d`, env.Timestamp)
	}
	// body is a JSON object; splice its members after ours.
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode interprets inbound bytes. It never fails: input that is not a JSON
// object with a string "type" becomes a Text envelope stamped with nowMs.
func Decode(data []byte, nowMs int64) Result {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return textFallback(data, nowMs)
	}

	rawType, ok := fields["type"]
	if !ok {
		return textFallback(data, nowMs)
	}
	var tag string
	if err := json.Unmarshal(rawType, &tag); err != nil || tag == "" {
		return textFallback(data, nowMs)
	}

	env := Envelope{Type: MessageType(tag)}
	if rawTS, ok := fields["timestamp"]; ok {
		ts, err := parseTimestamp(rawTS)
		if err != nil {
			return Result{Envelope: env, Outcome: OutcomeInvalidPayload, Err: err}
		}
		env.Timestamp = ts
	}

	target, known := newPayload(env.Type)
	if !known {
		delete(fields, "type")
		delete(fields, "timestamp")
		env.Payload = Unknown{Tag: tag, Fields: fields}
		return Result{Envelope: env, Outcome: OutcomeUnknownType}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return Result{
			Envelope: env,
			Outcome:  OutcomeInvalidPayload,
			Err:      fmt.Errorf("decoding %s payload: %w", tag, err),
		}
	}
	env.Payload = deref(target)
	return Result{Envelope: env, Outcome: OutcomeDecoded}
}

func textFallback(data []byte, nowMs int64) Result {
	return Result{
		Envelope: Envelope{Type: TypeText, Payload: Text{Text: string(data)}, Timestamp: nowMs},
		Outcome:  OutcomeTextFallback,
	}
}

// parseTimestamp accepts integral JSON numbers, including ones written in
// float notation by JavaScript senders.
func parseTimestamp(raw json.RawMessage) (int64, error) {
	if string(raw) == "null" {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("timestamp: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("timestamp: %w", err)
	}
	return int64(f), nil
}
