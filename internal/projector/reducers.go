package projector

import (
	"github.com/roach88/cairn/internal/ir"
)

// Reducer folds one event into derived fields. It receives a private copy of
// the current fields and returns the next fields. Reducers must be pure: the
// same fields and event always produce the same result.
type Reducer func(fields ir.IRObject, ev ir.Event) (ir.IRObject, error)

// Record status values.
const (
	StatusOpen   = "open"
	StatusVoided = "voided"
)

// builtinReducers is the tagged-variant table for the builtin event types.
func builtinReducers() map[string]Reducer {
	return map[string]Reducer{
		"record.opened":     reduceRecordOpened,
		"response.recorded": reduceResponseRecorded,
		"record.corrected":  reduceRecordCorrected,
		"record.voided":     reduceRecordVoided,
		"annotation.added":  reduceAnnotationAdded,
		"config.set":        reduceConfigSet,
	}
}

func reduceRecordOpened(fields ir.IRObject, ev ir.Event) (ir.IRObject, error) {
	if len(fields) > 0 {
		return nil, ir.NewValidationError("record %s is already open", ev.AggregateID)
	}
	fields["status"] = ir.IRString(StatusOpen)
	fields["form"] = ir.IRString(ev.Payload.String("form"))
	if visit := ev.Payload.String("visit"); visit != "" {
		fields["visit"] = ir.IRString(visit)
	}
	responses := ir.IRObject{}
	if initial, ok := ev.Payload["responses"].(ir.IRObject); ok {
		responses = initial.Clone()
	}
	fields["responses"] = responses
	fields["corrections"] = ir.IRArray{}
	return fields, nil
}

func reduceResponseRecorded(fields ir.IRObject, ev ir.Event) (ir.IRObject, error) {
	if err := requireOpen(fields, ev); err != nil {
		return nil, err
	}
	responses := responsesOf(fields)
	responses[ev.Payload.String("question")] = ev.Payload["answer"]
	fields["responses"] = responses
	return fields, nil
}

func reduceRecordCorrected(fields ir.IRObject, ev ir.Event) (ir.IRObject, error) {
	if err := requireOpen(fields, ev); err != nil {
		return nil, err
	}
	question := ev.Payload.String("question")
	responses := responsesOf(fields)

	correction := ir.IRObject{
		"question": ir.IRString(question),
		"answer":   ev.Payload["answer"],
		"reason":   ir.IRString(ev.Payload.String("reason")),
		"actor_id": ir.IRString(ev.ActorID),
		"version":  ir.IRInt(ev.AggregateVersion),
	}
	if prev, ok := responses[question]; ok {
		correction["previous"] = prev
	}

	responses[question] = ev.Payload["answer"]
	fields["responses"] = responses

	corrections, _ := fields["corrections"].(ir.IRArray)
	fields["corrections"] = append(corrections, correction)
	return fields, nil
}

func reduceRecordVoided(fields ir.IRObject, ev ir.Event) (ir.IRObject, error) {
	if err := requireOpen(fields, ev); err != nil {
		return nil, err
	}
	fields["status"] = ir.IRString(StatusVoided)
	fields["void_reason"] = ir.IRString(ev.Payload.String("reason"))
	return fields, nil
}

func reduceAnnotationAdded(fields ir.IRObject, ev ir.Event) (ir.IRObject, error) {
	subject := ev.Payload.String("subject_id")
	if existing := fields.String("subject_id"); existing != "" && existing != subject {
		return nil, ir.NewValidationError("annotation %s is attached to %s, not %s", ev.AggregateID, existing, subject)
	}
	fields["subject_id"] = ir.IRString(subject)

	notes, _ := fields["notes"].(ir.IRArray)
	fields["notes"] = append(notes, ir.IRObject{
		"note":     ir.IRString(ev.Payload.String("note")),
		"actor_id": ir.IRString(ev.ActorID),
		"version":  ir.IRInt(ev.AggregateVersion),
	})
	return fields, nil
}

func reduceConfigSet(fields ir.IRObject, ev ir.Event) (ir.IRObject, error) {
	values, _ := fields["values"].(ir.IRObject)
	if values == nil {
		values = ir.IRObject{}
	}
	values[ev.Payload.String("key")] = ev.Payload["value"]
	fields["values"] = values
	return fields, nil
}

// Merge is the reducer for registered types without a dedicated reducer.
// Payload keys overwrite fields of the same name.
func Merge(fields ir.IRObject, ev ir.Event) (ir.IRObject, error) {
	for k, v := range ev.Payload.Clone() {
		fields[k] = v
	}
	return fields, nil
}

func requireOpen(fields ir.IRObject, ev ir.Event) error {
	switch fields.String("status") {
	case StatusOpen:
		return nil
	case StatusVoided:
		return ir.NewValidationError("record %s is voided", ev.AggregateID)
	default:
		return ir.NewValidationError("record %s is not open", ev.AggregateID)
	}
}

func responsesOf(fields ir.IRObject) ir.IRObject {
	responses, _ := fields["responses"].(ir.IRObject)
	if responses == nil {
		return ir.IRObject{}
	}
	return responses
}
