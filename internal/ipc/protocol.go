package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ReadyPayload is the STATUS payload a worker emits once it accepts commands.
const ReadyPayload = "IPC handler ready"

// Kind classifies a line written by the worker to its stdout.
type Kind string

const (
	KindStatus  Kind = "STATUS"
	KindWarning Kind = "WARNING"
	KindError   Kind = "ERROR"
	KindData    Kind = "DATA"
	KindFrame   Kind = "FRAME"
	KindUnknown Kind = "UNKNOWN"
)

// Message is one classified line. Payload is the text after the "KIND:" prefix,
// or the whole line for KindUnknown.
type Message struct {
	Kind    Kind
	Payload string
}

func (m Message) String() string {
	if m.Kind == KindUnknown {
		return m.Payload
	}
	return string(m.Kind) + ":" + m.Payload
}

// Request is a single command sent to the worker as one JSON line.
type Request struct {
	Command   string   `json:"command"`
	Action    string   `json:"action,omitempty"`
	Settings  any      `json:"settings,omitempty"`
	Degrees   *float64 `json:"degrees,omitempty"`
	NumSteps  *int     `json:"num_steps,omitempty"`
	Direction *int     `json:"direction,omitempty"`
}

func (r Request) String() string {
	if r.Action == "" {
		return r.Command
	}
	return r.Command + "/" + r.Action
}

// Response is the decoded payload of a DATA line.
type Response struct {
	Raw json.RawMessage
	// Success is nil when the payload carries no success field (ping, get_version).
	Success *bool
	Error   string
}

// ErrWorker is returned by Response.Err for payloads reporting success=false.
var ErrWorker = errors.New("worker reported failure")

func parseResponse(payload string) (Response, error) {
	var head struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	raw := json.RawMessage(payload)
	if err := json.Unmarshal(raw, &head); err != nil {
		return Response{}, fmt.Errorf("decoding DATA payload: %w", err)
	}
	return Response{Raw: raw, Success: head.Success, Error: head.Error}, nil
}

// Err returns nil unless the worker explicitly reported a failure.
func (r Response) Err() error {
	if r.Success == nil || *r.Success {
		return nil
	}
	if r.Error == "" {
		return ErrWorker
	}
	return fmt.Errorf("%w: %s", ErrWorker, r.Error)
}

// Decode unmarshals the raw payload into v.
func (r Response) Decode(v any) error {
	if len(r.Raw) == 0 {
		return errors.New("empty response")
	}
	return json.Unmarshal(r.Raw, v)
}
