package poller

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/twipoll/twi"
)

func TestStep_String(t *testing.T) {
	assert.Equal(t, "write-address", StepWriteAddress.String())
	assert.Equal(t, "complete", StepComplete.String())
	assert.Equal(t, "step(9)", Step(9).String())
}

func TestDiagnostics_JSON(t *testing.T) {
	d := Diagnostics{
		Step:        StepOverflow,
		ReadRetry:   true,
		Fault:       true,
		FaultStatus: twi.MTDataNack,
		FaultKind:   FaultResetTimeout,
		Completed:   12,
	}
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"step": "overflow",
		"write_retry": false,
		"read_retry": true,
		"fault": true,
		"fault_status": 48,
		"fault_kind": "reset-timeout",
		"completed": 12,
		"restarts": 0,
		"idle_polls": 0
	}`, string(raw))

	var decoded Diagnostics
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, d, decoded)
}

func TestDiagnostics_YAML(t *testing.T) {
	raw, err := yaml.Marshal(Diagnostics{Step: StepComplete, Completed: 3})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "step: complete\n")
	assert.Contains(t, string(raw), "fault_kind: none\n")
	assert.Contains(t, string(raw), "completed: 3\n")
}

func TestUnmarshalText_Unknown(t *testing.T) {
	var p Phase
	assert.Error(t, p.UnmarshalText([]byte("sideways")))
	var s Step
	assert.Error(t, s.UnmarshalText([]byte("jump")))
	var k FaultKind
	assert.Error(t, k.UnmarshalText([]byte("meltdown")))
	var e Event
	assert.Error(t, e.UnmarshalText([]byte("party")))
}
