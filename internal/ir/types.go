package ir

import "time"

// Role identifies the capability set a principal acts under.
type Role string

const (
	// RoleParticipant is the self role: a patient authoring their own records.
	RoleParticipant Role = "participant"
	// RoleInvestigator is site scoped: reads site records, writes annotations.
	RoleInvestigator Role = "investigator"
	// RoleAuditor reads everything in its tenant and never writes.
	RoleAuditor Role = "auditor"
	// RoleSponsor has the same read-only reach as RoleAuditor.
	RoleSponsor Role = "sponsor"
	// RoleAdmin manages configuration; clinical access needs break-glass.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role the policy knows about.
var ValidRoles = map[Role]bool{
	RoleParticipant:  true,
	RoleInvestigator: true,
	RoleAuditor:      true,
	RoleSponsor:      true,
	RoleAdmin:        true,
}

// Operation is the kind of access being authorized.
type Operation string

const (
	OpRead   Operation = "read"
	OpAppend Operation = "append"
)

// AggregateKind partitions aggregates for policy purposes. The kind of an
// aggregate is fixed by the event type that opened it.
type AggregateKind string

const (
	// KindRecord is clinical data authored by participants.
	KindRecord AggregateKind = "record"
	// KindAnnotation is site staff commentary, disjoint from records.
	KindAnnotation AggregateKind = "annotation"
	// KindConfig is non-clinical configuration.
	KindConfig AggregateKind = "config"
)

// Clinical reports whether the kind holds clinical data.
func (k AggregateKind) Clinical() bool {
	return k == KindRecord || k == KindAnnotation
}

// ScopeGlobal is the grant scope covering every site in a tenant.
const ScopeGlobal = "global"

// Principal is the caller identity as asserted by verified token claims.
// The core consumes these claims; it never issues them.
type Principal struct {
	UserID   string   `json:"user_id"`
	Role     Role     `json:"role"`
	TenantID string   `json:"tenant_id"`
	Sites    []string `json:"sites,omitempty"` // claim scopes; can only narrow grants
}

// Event is an accepted, immutable fact.
type Event struct {
	Seq              int64         `json:"seq"` // global position, assigned by the store
	EventID          string        `json:"event_id"`
	TenantID         string        `json:"tenant_id"`
	AggregateID      string        `json:"aggregate_id"`
	AggregateKind    AggregateKind `json:"aggregate_kind"`
	AggregateVersion int64         `json:"aggregate_version"`
	EventType        string        `json:"event_type"`
	SchemaVersion    string        `json:"schema_version"`
	Payload          IRObject      `json:"payload"`
	ActorID          string        `json:"actor_id"`
	ActorRole        Role          `json:"actor_role"`
	SiteID           string        `json:"site_id"`
	ClientTimestamp  time.Time     `json:"client_timestamp"`
	ServerTimestamp  time.Time     `json:"server_timestamp"`
	EventHash        string        `json:"event_hash"`
	PrevHash         string        `json:"prev_hash"`
	ChainHash        string        `json:"chain_hash"`
}

// State is the materialized view of one aggregate.
type State struct {
	AggregateID string        `json:"aggregate_id"`
	TenantID    string        `json:"tenant_id"`
	SiteID      string        `json:"site_id"`
	Kind        AggregateKind `json:"kind"`
	OwnerID     string        `json:"owner_id"`
	Version     int64         `json:"version"`
	Fields      IRObject      `json:"derived_fields"`
	StateHash   string        `json:"state_hash"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Exists reports whether any event has been folded into the state.
func (s State) Exists() bool {
	return s.Version > 0
}

// SubmitRequest is an event as proposed by a client. Actor fields are never
// taken from the request; they come from the principal.
type SubmitRequest struct {
	EventID         string    `json:"event_id"`
	AggregateID     string    `json:"aggregate_id"`
	ExpectedVersion int64     `json:"expected_version"`
	EventType       string    `json:"event_type"`
	SchemaVersion   string    `json:"schema_version"`
	Payload         IRObject  `json:"payload"`
	SiteID          string    `json:"site_id,omitempty"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// Acceptance is the result of a successful append. Re-submitting an accepted
// event id yields the original acceptance with Duplicate set.
type Acceptance struct {
	Accepted        bool      `json:"accepted"`
	EventID         string    `json:"event_id"`
	AggregateID     string    `json:"aggregate_id"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	CurrentVersion  int64     `json:"current_version"`
	Seq             int64     `json:"seq"`
	Duplicate       bool      `json:"duplicate,omitempty"`
}

// AccessGrant maps a principal to a scope. Grants are never deleted;
// revocation clears Active and stamps RevokedAt.
type AccessGrant struct {
	GrantID    string     `json:"grant_id"`
	UserID     string     `json:"user_id"`
	Role       Role       `json:"role"`
	TenantID   string     `json:"tenant_id"`
	Scope      string     `json:"scope"` // site id or ScopeGlobal
	Active     bool       `json:"active"`
	BreakGlass bool       `json:"break_glass,omitempty"`
	TicketID   string     `json:"ticket_id,omitempty"`
	GrantedBy  string     `json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
}

// LiveAt reports whether the grant is in force at t. Expiry is evaluated at
// the moment of use, not when the grant was issued.
func (g AccessGrant) LiveAt(t time.Time) bool {
	if !g.Active {
		return false
	}
	if g.ExpiresAt != nil && !t.Before(*g.ExpiresAt) {
		return false
	}
	if g.BreakGlass && (g.TicketID == "" || g.ExpiresAt == nil) {
		return false
	}
	return true
}
