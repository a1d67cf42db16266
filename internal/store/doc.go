// Package store provides persistent storage for the mesh using SQLite.
//
// # Architecture
//
// The Store interface covers every durable entity: projects, project
// links, agents, channels, channel memberships, messages, and sessions.
// SQLiteStore implements it in a single struct over one database file
// (WAL mode, foreign keys on) with the schema created inline and
// idempotent migrations applied at open.
//
// # Access views
//
// Membership rows are the only structure conferring channel access;
// absence of a row is denial. ChannelAccess and ListVisibleChannels
// are the two read paths every permission decision flows through —
// callers must not reproduce the rule order at call sites.
//
// # Ordering
//
// Messages are immutable once inserted and totally ordered by
// (timestamp, id) with the id as the authoritative tie-breaker. Agent
// lists order global agents first, then by project id, then name.
//
// # Error Handling
//
// Methods return fault-typed errors: constraint violations map to
// Conflict, missing references to NotFound, authorization denials to
// NotAuthorized, validation failures to BadRequest, and shape
// violations on direct or notes channels to Invariant. Nothing is
// retried internally.
//
// All methods accept context.Context for cancellation support.
package store
