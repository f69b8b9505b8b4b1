package vigil

import "errors"

// ErrDuplicateRecord is returned when Create is called with a kind/id that already exists in any stage.
var ErrDuplicateRecord = errors.New("vigil: duplicate record")

// ErrUnknownStage is returned when an invalid stage is used.
var ErrUnknownStage = errors.New("vigil: unknown stage")

// ErrUnknownKind is returned when an invalid record kind is used.
var ErrUnknownKind = errors.New("vigil: unknown kind")

// ErrUnknownPriority is returned when an invalid priority is used.
var ErrUnknownPriority = errors.New("vigil: unknown priority")

// ErrRecordNotFound is returned when a record with the specified ref is not found.
var ErrRecordNotFound = errors.New("vigil: record not found")

// ErrLostRace is returned by Move when the record is no longer in the source
// stage because another actor moved it first.
var ErrLostRace = errors.New("vigil: lost race")

// ErrTerminalRecord is returned when a transition out of a terminal stage is attempted.
var ErrTerminalRecord = errors.New("vigil: record is terminal")

// ErrInvalidTransition is returned when the state machine has no edge between two stages.
var ErrInvalidTransition = errors.New("vigil: invalid transition")

// ErrInvalidInitialStage is returned when a record is created outside needs_action or pending_approval.
var ErrInvalidInitialStage = errors.New("vigil: invalid initial stage")

// ErrExpired is returned when approving a request whose deadline has passed.
var ErrExpired = errors.New("vigil: approval request expired")

// ErrLockTimeout is returned when an exclusive lock could not be acquired in time.
var ErrLockTimeout = errors.New("vigil: lock timeout")

// ErrMalformedRecord is returned when a record file cannot be decoded.
var ErrMalformedRecord = errors.New("vigil: malformed record")

// ErrCorruptFile is returned when a JSON sidecar file (audit log, checkpoint,
// health or status) exists but cannot be decoded.
var ErrCorruptFile = errors.New("vigil: corrupt file")

// ErrInvalidItem is returned when a detected item is missing required fields.
var ErrInvalidItem = errors.New("vigil: invalid item")

// ErrUnknownWatcher is returned by the registry for an unregistered watcher name.
var ErrUnknownWatcher = errors.New("vigil: unknown watcher")

// ErrNoHandler marks an approved record whose action has no registered handler.
var ErrNoHandler = errors.New("vigil: no handler")
