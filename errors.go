package replikv

import (
	"errors"
	"fmt"
)

// Sentinel errors for the replicated store. ShuttingDownError, ConfigError,
// DecryptError and ProtocolError below implement Is against these so
// callers can use errors.Is without depending on the concrete type;
// StoreError and ResolverError have no sentinel and expose their cause
// through Unwrap.
var (
	// ErrShuttingDown matches the error that Put, Del and Subscribe return
	// once Close has started on a ReplicationNode.
	ErrShuttingDown = errors.New("replikv: node is shutting down")

	// ErrDecryptFailed is returned when an inbound envelope fails
	// authentication or decryption.
	ErrDecryptFailed = errors.New("replikv: envelope decryption failed")

	// ErrConfigInvalid is returned when a Config fails validation.
	ErrConfigInvalid = errors.New("replikv: invalid configuration")

	// ErrProtocol is returned when an inbound wire message is malformed
	// or missing required fields.
	ErrProtocol = errors.New("replikv: malformed protocol message")
)

// ShuttingDownError is returned by ReplicationNode operations attempted
// after Close has begun. It is a fatal, surfaced-to-caller error.
type ShuttingDownError struct {
	Op string
}

func (e *ShuttingDownError) Error() string {
	if e.Op == "" {
		return ErrShuttingDown.Error()
	}
	return fmt.Sprintf("replikv: %s: node is shutting down", e.Op)
}

func (e *ShuttingDownError) Is(target error) bool { return target == ErrShuttingDown }

// ConfigError reports an invalid configuration value at node construction.
// It is fatal and must be surfaced to the caller.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("replikv: config: %s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfigInvalid }

func newConfigError(field, msg string) *ConfigError {
	return &ConfigError{Field: field, Msg: msg}
}

// DecryptError reports that an inbound SecurityEnvelope failed to verify or
// decrypt — wrong key, tampered ciphertext, or tampered authentication data.
// The offending message is dropped; the node never crashes on this error.
type DecryptError struct {
	Reason string
	Cause  error
}

func (e *DecryptError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("replikv: decrypt: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("replikv: decrypt: %s", e.Reason)
}

func (e *DecryptError) Unwrap() error { return e.Cause }

func (e *DecryptError) Is(target error) bool { return target == ErrDecryptFailed }

func newDecryptError(reason string, cause error) *DecryptError {
	return &DecryptError{Reason: reason, Cause: cause}
}

// StoreError wraps a failure returned by the durable Store collaborator.
// On the local write path it propagates to the API caller; on anti-entropy
// and remote-message paths it is logged and the loop continues so one bad
// record never halts reconciliation.
type StoreError struct {
	Op    string
	Path  string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("replikv: store: %s %q: %v", e.Op, e.Path, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

func newStoreError(op, path string, cause error) *StoreError {
	if cause == nil {
		return nil
	}
	return &StoreError{Op: op, Path: path, Cause: cause}
}

// ResolverError reports that a custom conflict resolver function panicked or
// returned an error. The resolution falls back to the vector-dominance
// strategy; this error is logged, never returned to a caller.
type ResolverError struct {
	Path  string
	Cause error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("replikv: custom resolver for %q failed: %v", e.Path, e.Cause)
}

func (e *ResolverError) Unwrap() error { return e.Cause }

// ProtocolError reports a malformed or incomplete wire message. The message
// is dropped and the error logged; it is never returned to the remote peer.
type ProtocolError struct {
	Event string
	Msg   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("replikv: protocol: %s: %s", e.Event, e.Msg)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func newProtocolError(event, msg string) *ProtocolError {
	return &ProtocolError{Event: event, Msg: msg}
}
