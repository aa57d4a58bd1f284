// Package relay carries messages between the isolated execution contexts:
// page probes, per-tab listeners, and the coordinator. Fire-and-forget
// signals go through the Bus; query/response traffic goes through the Broker.
package relay

import (
	"encoding/json"
	"fmt"
)

// Action discriminates cross-context messages on the wire.
type Action string

const (
	ActionStartAutoDetection  Action = "startAutoDetection"
	ActionRecordDetection     Action = "recordDetection"
	ActionAutoDetectionFailed Action = "autoDetectionFailed"
	ActionDetectionSuccess    Action = "detectionSuccess"

	// Broker keys for query/response traffic.
	KeyGetConfig = "getConfig"
	KeyGetEntity = "getEntity"
)

// Signal is the closed set of fire-and-forget messages.
type Signal interface {
	Action() Action
}

// StartDetection asks the probe in a tab's page context to begin polling.
type StartDetection struct {
	TabID  string `json:"tabId"`
	Domain string `json:"domain"`
}

func (StartDetection) Action() Action { return ActionStartAutoDetection }

// DetectionSuccess reports a confirmed tag presence. It is a fact about the
// embedded domain, regardless of what tab is current when it arrives.
type DetectionSuccess struct {
	TabID      string  `json:"tabId"`
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

func (DetectionSuccess) Action() Action { return ActionDetectionSuccess }

// DetectionFailed reports probe retry exhaustion. RetryCount is carried as a
// literal 0 on the wire for compatibility with existing consumers; the actual
// attempt count is logged at the probe.
type DetectionFailed struct {
	TabID      string `json:"tabId"`
	Domain     string `json:"domain"`
	RetryCount int    `json:"retryCount"`
}

func (DetectionFailed) Action() Action { return ActionAutoDetectionFailed }

// RecordDetection reports passive evidence of the tag: a classified network
// request observed from a tab, scored below a direct runtime-handle hit.
type RecordDetection struct {
	TabID      string  `json:"tabId"`
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

func (RecordDetection) Action() Action { return ActionRecordDetection }

// Envelope is the wire shape of a signal.
type Envelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a signal in its envelope.
func Encode(s Signal) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Action: s.Action(), Payload: payload})
}

// Decode is the single dispatch point for incoming envelopes. The switch is
// exhaustive over the known actions; anything else is rejected.
func Decode(data []byte) (Signal, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var (
		sig Signal
		err error
	)
	switch env.Action {
	case ActionStartAutoDetection:
		var s StartDetection
		err = json.Unmarshal(env.Payload, &s)
		sig = s
	case ActionDetectionSuccess:
		var s DetectionSuccess
		err = json.Unmarshal(env.Payload, &s)
		sig = s
	case ActionAutoDetectionFailed:
		var s DetectionFailed
		err = json.Unmarshal(env.Payload, &s)
		sig = s
	case ActionRecordDetection:
		var s RecordDetection
		err = json.Unmarshal(env.Payload, &s)
		sig = s
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrBadPayload, env.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return sig, nil
}
