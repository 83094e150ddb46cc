package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsRoundTrip(t *testing.T) {
	params := Params{
		"temperature": NumberParam(1.2),
		"book":        StringParam("openings.pgn"),
		"noise":       BoolParam(true),
	}

	data, err := json.Marshal(params)
	require.NoError(t, err)

	var decoded Params
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, params, decoded)
}

func TestParamsToleratesUnknownKeys(t *testing.T) {
	// Keys added by a newer server must decode and be readable, not fail.
	body := []byte(`{"temperature": 1.0, "future_knob": "whatever", "future_flag": false}`)

	var params Params
	require.NoError(t, json.Unmarshal(body, &params))
	assert.Equal(t, 1.0, params.GetNumber("temperature", 0))
	assert.Equal(t, "whatever", params.GetString("future_knob", ""))
}

func TestParamsRejectsNonScalarValues(t *testing.T) {
	var params Params
	err := json.Unmarshal([]byte(`{"nested": {"a": 1}}`), &params)
	assert.Error(t, err)
}

func TestParamsFallbacks(t *testing.T) {
	params := Params{"n": NumberParam(3)}
	assert.Equal(t, "x", params.GetString("n", "x"))
	assert.Equal(t, 7.0, params.GetNumber("missing", 7))
	assert.True(t, params.GetBool("missing", true))
}

func TestTaskDescriptorToleratesUnknownFields(t *testing.T) {
	body := []byte(`{"task_class":"train","network_id":"abc","some_new_field":1}`)

	var task TaskDescriptor
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, TaskClassTrain, task.TaskClass)
}
