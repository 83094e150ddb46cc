// Package api defines the wire types exchanged between workers and the grid
// server. All bodies are JSON; uploads are multipart/form-data with the field
// names defined here.
package api

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Task classes a worker can be assigned.
const (
	TaskClassTrain = "train"
	TaskClassMatch = "match"
)

// Multipart field names for the upload request.
const (
	FieldPGN           = "pgn"
	FieldChunk         = "chunk"
	FieldSession       = "session"
	FieldNetwork       = "network"
	FieldDedupToken    = "dedup_token"
	FieldClientVersion = "client_version"
	FieldCodecVersion  = "codec_version"
	FieldFingerprint   = "fingerprint"
)

// TaskDescriptor is a complete, self-sufficient instruction set for a worker.
// Workers never receive server-initiated traffic; this is the response to a
// task request or a successful upload.
type TaskDescriptor struct {
	// TaskClass is TaskClassTrain or TaskClassMatch.
	TaskClass string `json:"task_class"`
	// NetworkID is the sha256 hex digest of the network weights file.
	NetworkID string `json:"network_id"`
	// NetworkURL is where the weights can be fetched; the worker verifies
	// the digest after download.
	NetworkURL string `json:"network_url"`
	// SessionID identifies the generation session the resulting chunk must
	// echo back. Uploads tagged with a different session are rejected.
	SessionID string `json:"session_id"`
	// Params is a free-form scalar configuration map. Unknown keys must be
	// ignored by consumers for forward compatibility.
	Params Params `json:"params,omitempty"`
	// CohortKey, when set, names the parameter variant this worker's cohort
	// was assigned for controlled validation runs.
	CohortKey string `json:"cohort_key,omitempty"`
}

// TaskRequest is the body of a task request.
type TaskRequest struct {
	ClientVersion int    `json:"client_version"`
	MaxCodec      uint32 `json:"max_codec"`
	// TrainOnly excludes the worker from match/evaluation assignments.
	TrainOnly bool `json:"train_only,omitempty"`
	// Fingerprint distinguishes workers for cohort assignment. Free-form,
	// typically hostname plus a random suffix persisted by the worker.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// UploadResponse is the body returned for uploads and task requests.
// A 2xx response carries the next task; UpgradeRequired set means the client
// version is no longer accepted and the worker must stop, not retry.
type UploadResponse struct {
	NextTask        *TaskDescriptor `json:"next_task,omitempty"`
	UpgradeRequired bool            `json:"upgrade_required,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// ParamKind enumerates the scalar kinds a Params value can hold.
type ParamKind int

const (
	ParamString ParamKind = iota
	ParamNumber
	ParamBool
)

// ParamValue holds exactly one scalar. The closed kind set keeps the
// configuration map well defined while the key set stays open.
type ParamValue struct {
	Kind   ParamKind
	String string
	Number float64
	Bool   bool
}

func StringParam(v string) ParamValue  { return ParamValue{Kind: ParamString, String: v} }
func NumberParam(v float64) ParamValue { return ParamValue{Kind: ParamNumber, Number: v} }
func BoolParam(v bool) ParamValue      { return ParamValue{Kind: ParamBool, Bool: v} }

func (v ParamValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ParamString:
		return json.Marshal(v.String)
	case ParamNumber:
		return json.Marshal(v.Number)
	case ParamBool:
		return json.Marshal(v.Bool)
	default:
		return nil, errors.Errorf("unknown param kind %d", v.Kind)
	}
}

func (v *ParamValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.WithStack(err)
	}
	switch typed := raw.(type) {
	case string:
		*v = StringParam(typed)
	case float64:
		*v = NumberParam(typed)
	case bool:
		*v = BoolParam(typed)
	default:
		return errors.Errorf("param values must be scalar, got %T", raw)
	}
	return nil
}

// Params is the scalar configuration map attached to a task. Consumers read
// the keys they understand and ignore the rest.
type Params map[string]ParamValue

// GetString returns the string value for key, or fallback when the key is
// absent or of another kind.
func (p Params) GetString(key, fallback string) string {
	if v, ok := p[key]; ok && v.Kind == ParamString {
		return v.String
	}
	return fallback
}

func (p Params) GetNumber(key string, fallback float64) float64 {
	if v, ok := p[key]; ok && v.Kind == ParamNumber {
		return v.Number
	}
	return fallback
}

func (p Params) GetBool(key string, fallback bool) bool {
	if v, ok := p[key]; ok && v.Kind == ParamBool {
		return v.Bool
	}
	return fallback
}
