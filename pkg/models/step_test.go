package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/postlane/postlane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepUnmarshalValidKinds(t *testing.T) {
	raw := `[
		{"kind": "send_email", "send_email": {"template_id": "tpl-1", "sender_id": "snd-1"}},
		{"kind": "delay", "delay": {"duration": "1h30m"}},
		{"kind": "add_tag", "add_tag": {"tag": "welcomed"}}
	]`

	var steps []models.Step

	require.NoError(t, json.Unmarshal([]byte(raw), &steps))
	require.Len(t, steps, 3)

	assert.Equal(t, models.StepKindSendEmail, steps[0].Kind)
	assert.Equal(t, "tpl-1", steps[0].SendEmail.TemplateID)
	assert.Equal(t, models.StepKindDelay, steps[1].Kind)
	assert.Equal(t, 90*time.Minute, time.Duration(steps[1].Delay.Duration))
	assert.Equal(t, models.StepKindAddTag, steps[2].Kind)
	assert.Equal(t, "welcomed", steps[2].AddTag.Tag)
}

func TestStepUnmarshalRejectsUnknownKind(t *testing.T) {
	raw := `{"kind": "branch", "branch": {"condition": "x"}}`

	var step models.Step

	err := json.Unmarshal([]byte(raw), &step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step kind")
}

func TestStepUnmarshalRejectsMissingParams(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"send_email without params", `{"kind": "send_email"}`},
		{"delay without params", `{"kind": "delay"}`},
		{"delay with zero duration", `{"kind": "delay", "delay": {"duration": 0}}`},
		{"add_tag without tag", `{"kind": "add_tag", "add_tag": {"tag": ""}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var step models.Step

			assert.Error(t, json.Unmarshal([]byte(tt.raw), &step))
		})
	}
}

func TestDurationAcceptsNanosecondNumbers(t *testing.T) {
	var d models.Duration

	require.NoError(t, json.Unmarshal([]byte(`3600000000000`), &d))
	assert.Equal(t, time.Hour, time.Duration(d))
}

func TestDurationRoundTrip(t *testing.T) {
	d := models.Duration(90 * time.Minute)

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(data))

	var decoded models.Duration

	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, d, decoded)
}

func TestQueueItemStatusIsTerminal(t *testing.T) {
	assert.False(t, models.QueueItemStatusPending.IsTerminal())
	assert.False(t, models.QueueItemStatusProcessing.IsTerminal())
	assert.True(t, models.QueueItemStatusCompleted.IsTerminal())
	assert.True(t, models.QueueItemStatusFailed.IsTerminal())
}
