// Package harness runs scripted sync scenarios against a real engine.
//
// A scenario is a YAML file naming actors (principals in one tenant), the
// grants they hold, and a list of steps. Each step is one of:
//
//   - author: an actor writes a draft into its own offline outbox
//   - drain: the actor's sync manager delivers its outbox to the engine
//   - submit: the actor submits one event online with an explicit expected version
//   - advance: the shared clock moves forward
//
// Every actor that authors gets its own outbox file, so several devices can
// diverge and reconcile the way field clients do. Clocks and ids are
// deterministic, which makes the trace stable enough to compare against a
// golden file:
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/patient_role_conflict.yaml")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	result := harness.RunWithGolden(t, scenario)
//	assert.True(t, result.Pass, result.Errors)
//
// Assertions are evaluated after the last step against the store, the
// projector and the integrity validator.
package harness
