package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{
		"patient_role_conflict",
		"break_glass_expiry",
		"voided_while_offline",
	} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name)

			result := RunWithGolden(t, scenario)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "patient_role_conflict.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	a, err := Snapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

const failingScenario = `
name: failing
actors:
  P: {user: patient-9, role: participant}
steps:
  - actor: P
    author:
      aggregate: rec-9
      type: record.opened
      site: site-a
      payload: {form: phq9}
    expect:
      expected_version: 5
  - actor: P
    drain: true
    expect:
      accepted: 2
assertions:
  - type: version
    aggregate: rec-9
    version: 4
  - type: final_state
    aggregate: rec-9
    fields: {status: voided}
  - type: event_order
    aggregate: rec-9
    events: [record.voided]
`

func TestRun_ReportsFailedExpectations(t *testing.T) {
	scenario, err := ParseScenario([]byte(failingScenario))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "expected_version = 0, want 5")
	assert.Contains(t, result.Errors[1], "accepted = 1, want 2")
	assert.Contains(t, result.Errors[2], "wrong version")
	assert.Contains(t, result.Errors[3], `field "status" mismatch`)
	assert.Contains(t, result.Errors[3], `"voided"`)
	assert.Contains(t, result.Errors[4], "wrong order")

	// the log reflects what actually happened
	require.Len(t, result.Log, 1)
	assert.Equal(t, int64(1), result.Log[0].Version)
}

func TestRun_OtherParticipantIsDenied(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: other_participant
actors:
  A: {user: patient-a, role: participant}
  B: {user: patient-b, role: participant}
steps:
  - actor: A
    submit:
      aggregate: rec-a
      type: record.opened
      site: site-a
      expected_version: 0
      payload: {form: phq9}
    expect:
      current_version: 1
  - actor: B
    submit:
      aggregate: rec-a
      type: response.recorded
      expected_version: 1
      payload: {question: q1, answer: 1}
    expect:
      error: POLICY_DENIED
  - actor: A
    submit:
      aggregate: rec-a
      type: response.recorded
      expected_version: 0
      payload: {question: q1, answer: 1}
    expect:
      error: VERSION_CONFLICT
      current_version: 1
assertions:
  - type: visible
    aggregate: rec-a
    actor: B
    visible: false
  - type: version
    aggregate: rec-a
    version: 1
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 3)
	assert.Equal(t, "accepted", result.Trace[0].Outcome)
	assert.Equal(t, "POLICY_DENIED", result.Trace[1].Outcome)
	assert.Equal(t, "VERSION_CONFLICT", result.Trace[2].Outcome)
	assert.Equal(t, int64(1), result.Trace[2].CurrentVersion)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\nactorz: {}\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing steps",
			yaml: "name: x\nactors:\n  P: {user: p, role: participant}\n",
			want: "steps list is required",
		},
		{
			name: "unknown role",
			yaml: "name: x\nactors:\n  P: {user: p, role: nurse}\nsteps:\n  - advance: 1s\n",
			want: `unknown role "nurse"`,
		},
		{
			name: "two actions in one step",
			yaml: "name: x\nactors:\n  P: {user: p, role: participant}\nsteps:\n  - actor: P\n    drain: true\n    advance: 1s\n",
			want: "exactly one of",
		},
		{
			name: "submit without expected version",
			yaml: "name: x\nactors:\n  P: {user: p, role: participant}\nsteps:\n  - actor: P\n    submit: {aggregate: r, type: record.opened, payload: {form: f}}\n",
			want: "submit needs expected_version",
		},
		{
			name: "unknown step actor",
			yaml: "name: x\nactors:\n  P: {user: p, role: participant}\nsteps:\n  - actor: Q\n    drain: true\n",
			want: `unknown actor "Q"`,
		},
		{
			name: "grant for unknown actor",
			yaml: "name: x\nactors:\n  P: {user: p, role: participant}\ngrants:\n  - {actor: R, scope: global}\nsteps:\n  - advance: 1s\n",
			want: `grants[0]: unknown actor "R"`,
		},
		{
			name: "unknown assertion",
			yaml: "name: x\nactors:\n  P: {user: p, role: participant}\nsteps:\n  - advance: 1s\nassertions:\n  - {type: trace_contains, aggregate: r}\n",
			want: `unknown assertion type "trace_contains"`,
		},
		{
			name: "event order without events",
			yaml: "name: x\nactors:\n  P: {user: p, role: participant}\nsteps:\n  - advance: 1s\nassertions:\n  - {type: event_order, aggregate: r}\n",
			want: "events list is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_Defaults(t *testing.T) {
	scenario, err := ParseScenario([]byte("name: x\nactors:\n  P: {user: p, role: participant}\nsteps:\n  - advance: 90s\n"))
	require.NoError(t, err)
	assert.Equal(t, "t1", scenario.Tenant)
	assert.Equal(t, "1m30s", scenario.Steps[0].Advance.String())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestAssertionError_Error(t *testing.T) {
	plain := &AssertionError{Type: AssertReplayMatches, Message: "replay diverges"}
	assert.Equal(t, "replay diverges", plain.Error())

	detailed := &AssertionError{Type: AssertVersion, Message: "wrong version", Expected: int64(3), Actual: int64(2)}
	assert.Equal(t, "wrong version\n  expected: 3\n  actual:   2", detailed.Error())
}
