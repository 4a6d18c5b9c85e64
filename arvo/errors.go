package arvo

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteForbidden indicates the remote command-registration surface
	// rejected a call due to missing privileges in that guild.
	ErrRemoteForbidden = errors.New("remote registration forbidden")

	// ErrRemoteRateLimited indicates the remote surface rate-limited a call.
	ErrRemoteRateLimited = errors.New("remote registration rate limited")

	// ErrRemoteTimeout indicates a remote registration call timed out.
	ErrRemoteTimeout = errors.New("remote registration timed out")

	// ErrSideEffectForbidden indicates the moderation side effect was
	// rejected by Discord (the bot lacks the capability or rank).
	ErrSideEffectForbidden = errors.New("moderation action forbidden")

	// ErrConfirmationResolved is returned when attempting to resolve a
	// ConfirmationSession that already has a result.
	ErrConfirmationResolved = errors.New("confirmation already resolved")

	// ErrUnknownCommand is returned by the registry for keys it has no
	// descriptor for.
	ErrUnknownCommand = errors.New("unknown command key")
)

// PersistenceError wraps a durable-store failure. Setters on
// GuildConfigStore and the InfractionLedger return this so callers know the
// mutation may not have taken effect. It is never swallowed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RemoteSyncErrorKind categorizes reconcile failures.
type RemoteSyncErrorKind string

const (
	RemoteSyncForbidden   RemoteSyncErrorKind = "forbidden"
	RemoteSyncUnavailable RemoteSyncErrorKind = "unavailable"
)

// RemoteSyncError is surfaced when CommandSyncEngine.reconcile fails to make
// the remote registration surface match the local desired state. The local
// GuildConfig is already durable at that point, so this is a warning to the
// administrator who triggered the change, not a rollback.
type RemoteSyncError struct {
	GuildID string
	Kind    RemoteSyncErrorKind
	Err     error
}

func (e *RemoteSyncError) Error() string {
	return fmt.Sprintf(
		"command sync failed for guild %s (%s): %v",
		e.GuildID, e.Kind, e.Err,
	)
}

func (e *RemoteSyncError) Unwrap() error {
	return e.Err
}

// ValidationError indicates malformed input rejected before any evaluation
// or side effect.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}
