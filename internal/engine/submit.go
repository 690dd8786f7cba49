package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/cairn/internal/ir"
	"github.com/roach88/cairn/internal/policy"
	"github.com/roach88/cairn/internal/registry"
	"github.com/roach88/cairn/internal/store"
)

// Submit validates, authorizes and appends one client-proposed event.
//
// Actor, role and tenant come from p, never from the request. Re-submitting
// an accepted event id returns the original acceptance with Duplicate set,
// whatever the expected version; reusing it for different content is a
// ValidationError. A stale expected version is a VersionConflict and nothing
// is written.
func (e *Engine) Submit(ctx context.Context, p ir.Principal, req ir.SubmitRequest) (ir.Acceptance, error) {
	if err := validatePrincipal(p); err != nil {
		return ir.Acceptance{}, err
	}
	if err := validateRequest(req); err != nil {
		return ir.Acceptance{}, err
	}

	if acc, ok, err := e.duplicate(ctx, p, req); err != nil || ok {
		return acc, err
	}

	et, err := e.registry.Validate(req.EventType, req.SchemaVersion, req.Payload)
	if err != nil {
		return ir.Acceptance{}, withIDs(err, req)
	}

	res, err := e.commit(ctx, p, req, et)
	if err != nil {
		return ir.Acceptance{}, err
	}
	if res.Duplicate {
		return res.Acceptance, nil
	}

	slog.Debug("event accepted",
		"event", "event_accepted",
		"event_id", res.Event.EventID,
		"aggregate_id", res.Event.AggregateID,
		"event_type", res.Event.EventType,
		"version", res.Event.AggregateVersion,
		"seq", res.Event.Seq,
	)
	// Followers read from the store; this only wakes them.
	_ = e.hub.Publish(ctx, res.Event)
	return res.Acceptance, nil
}

// commit authorizes and appends under the aggregate lock. The lock is
// released before anything is published.
func (e *Engine) commit(ctx context.Context, p ir.Principal, req ir.SubmitRequest, et registry.EventType) (store.Appended, error) {
	unlock := e.locks.Lock(req.AggregateID)
	defer unlock()

	target, err := e.appendTarget(ctx, p, req, et)
	if err != nil {
		return store.Appended{}, err
	}
	if _, err := e.enforcer.Check(ctx, p, ir.OpAppend, target); err != nil {
		return store.Appended{}, withIDs(err, req)
	}
	if et.Kind == ir.KindAnnotation {
		if err := e.checkSubject(ctx, p, req, target); err != nil {
			return store.Appended{}, err
		}
	}

	q, quarantined, err := e.store.QuarantineStatus(ctx, req.AggregateID)
	if err != nil {
		return store.Appended{}, fmt.Errorf("submit %s: %w", req.EventID, err)
	}
	if quarantined {
		return store.Appended{}, withIDs(ir.NewIntegrityFault(req.AggregateID, "aggregate is quarantined: "+q.Reason), req)
	}

	now := e.clock.Now()
	clientTS := req.ClientTimestamp
	if clientTS.IsZero() {
		clientTS = now
	}
	ev := ir.Event{
		EventID:         req.EventID,
		TenantID:        p.TenantID,
		AggregateID:     req.AggregateID,
		AggregateKind:   et.Kind,
		EventType:       et.Name,
		SchemaVersion:   et.SchemaVersion,
		Payload:         req.Payload,
		ActorID:         p.UserID,
		ActorRole:       p.Role,
		SiteID:          target.SiteID,
		ClientTimestamp: clientTS,
		ServerTimestamp: now,
	}

	res, err := e.store.Append(ctx, ev, req.ExpectedVersion, e.projector.Apply)
	if err != nil {
		if ir.IsVersionConflict(err) {
			slog.Debug("version conflict",
				"event", "version_conflict",
				"aggregate_id", req.AggregateID,
				"event_id", req.EventID,
				"expected", req.ExpectedVersion,
			)
		}
		return store.Appended{}, withIDs(err, req)
	}
	return res, nil
}

// checkSubject requires the record an annotation points at to exist at the
// annotation's site and be readable by p. Missing and unreadable subjects
// are reported alike.
func (e *Engine) checkSubject(ctx context.Context, p ir.Principal, req ir.SubmitRequest, target policy.Target) error {
	subject := req.Payload.String("subject_id")
	if subject == "" {
		return nil
	}
	st, err := e.store.LoadState(ctx, subject)
	switch {
	case errors.Is(err, ir.ErrNotFound):
		return withIDs(ir.NewPolicyDenied(req.AggregateID, "annotation subject is not readable"), req)
	case err != nil:
		return fmt.Errorf("submit %s: %w", req.EventID, err)
	}
	if st.TenantID != p.TenantID || st.Kind != ir.KindRecord {
		return withIDs(ir.NewPolicyDenied(req.AggregateID, "annotation subject is not readable"), req)
	}
	if _, err := e.enforcer.Check(ctx, p, ir.OpRead, policy.TargetOf(st)); err != nil {
		return withIDs(ir.NewPolicyDenied(req.AggregateID, "annotation subject is not readable"), req)
	}
	if st.SiteID != target.SiteID {
		return withIDs(ir.NewValidationError("annotation site %s differs from subject site %s", target.SiteID, st.SiteID), req)
	}
	return nil
}

// duplicate answers re-submissions of an accepted event id without
// re-authorizing, so a client retrying after a lost response gets its
// original acceptance even if its access has since changed.
func (e *Engine) duplicate(ctx context.Context, p ir.Principal, req ir.SubmitRequest) (ir.Acceptance, bool, error) {
	orig, err := e.store.EventByID(ctx, req.EventID)
	if errors.Is(err, ir.ErrNotFound) {
		return ir.Acceptance{}, false, nil
	}
	if err != nil {
		return ir.Acceptance{}, false, fmt.Errorf("submit %s: %w", req.EventID, err)
	}
	if orig.TenantID != p.TenantID {
		return ir.Acceptance{}, false, withIDs(ir.NewPolicyDenied(req.AggregateID, "event id is not available"), req)
	}
	if !sameIntent(orig, p, req) {
		return ir.Acceptance{}, false, &ir.Error{
			Code:        ir.ErrCodeValidation,
			Message:     "event id reused with different content",
			AggregateID: req.AggregateID,
			EventID:     req.EventID,
		}
	}
	return ir.Acceptance{
		Accepted:        true,
		EventID:         orig.EventID,
		AggregateID:     orig.AggregateID,
		ServerTimestamp: orig.ServerTimestamp,
		CurrentVersion:  orig.AggregateVersion,
		Seq:             orig.Seq,
		Duplicate:       true,
	}, true, nil
}

func sameIntent(orig ir.Event, p ir.Principal, req ir.SubmitRequest) bool {
	payload := req.Payload
	if payload == nil {
		payload = ir.IRObject{}
	}
	return orig.TenantID == p.TenantID &&
		orig.ActorID == p.UserID &&
		orig.AggregateID == req.AggregateID &&
		orig.EventType == req.EventType &&
		ir.SameSchemaVersion(orig.SchemaVersion, req.SchemaVersion) &&
		(req.SiteID == "" || req.SiteID == orig.SiteID) &&
		ir.Equal(orig.Payload, payload)
}

// appendTarget resolves what an append would touch. New aggregates take
// their kind from the event type and their site from the request; existing
// aggregates keep theirs.
func (e *Engine) appendTarget(ctx context.Context, p ir.Principal, req ir.SubmitRequest, et registry.EventType) (policy.Target, error) {
	st, err := e.store.LoadState(ctx, req.AggregateID)
	switch {
	case errors.Is(err, ir.ErrNotFound):
		if !et.Creates {
			return policy.Target{}, withIDs(ir.NewValidationError("aggregate %s does not exist and %s cannot open it",
				req.AggregateID, et.Name), req)
		}
		site := req.SiteID
		if site == "" {
			if et.Kind.Clinical() {
				return policy.Target{}, withIDs(ir.NewValidationError("site_id is required to open a %s", et.Kind), req)
			}
			site = ir.ScopeGlobal
		}
		return policy.Target{
			TenantID:    p.TenantID,
			SiteID:      site,
			Kind:        et.Kind,
			OwnerID:     p.UserID,
			AggregateID: req.AggregateID,
			New:         true,
		}, nil

	case err != nil:
		return policy.Target{}, fmt.Errorf("submit %s: %w", req.EventID, err)
	}

	if st.TenantID != p.TenantID {
		return policy.Target{}, withIDs(ir.NewPolicyDenied(req.AggregateID, "tenant mismatch"), req)
	}
	if st.Kind != et.Kind {
		return policy.Target{}, withIDs(ir.NewValidationError("event type %s targets %s aggregates, %s is a %s",
			et.Name, et.Kind, req.AggregateID, st.Kind), req)
	}
	if req.SiteID != "" && req.SiteID != st.SiteID {
		return policy.Target{}, withIDs(ir.NewValidationError("site %s differs from aggregate site %s",
			req.SiteID, st.SiteID), req)
	}
	return policy.TargetOf(st), nil
}

func validatePrincipal(p ir.Principal) error {
	if p.UserID == "" || p.TenantID == "" {
		return ir.NewPolicyDenied("", "missing identity claims")
	}
	return nil
}

func validateRequest(req ir.SubmitRequest) error {
	switch {
	case !ir.ValidEventID(req.EventID):
		return ir.NewValidationError("event_id %q is not a UUID", req.EventID)
	case req.AggregateID == "":
		return ir.NewValidationError("aggregate_id is required")
	case req.EventType == "":
		return ir.NewValidationError("event_type is required")
	case req.SchemaVersion == "":
		return ir.NewValidationError("schema_version is required")
	case req.ExpectedVersion < 0:
		return ir.NewValidationError("expected_version must not be negative")
	}
	return nil
}

// withIDs stamps the request's ids on a typed error that lacks them.
func withIDs(err error, req ir.SubmitRequest) error {
	var e *ir.Error
	if !errors.As(err, &e) {
		return err
	}
	if e.AggregateID == "" {
		e.AggregateID = req.AggregateID
	}
	if e.EventID == "" {
		e.EventID = req.EventID
	}
	return err
}
