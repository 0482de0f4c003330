package alerts

import "fmt"

// SnapshotError wraps a failed or malformed inventory fetch. The engine
// recovers by keeping the last computed views and flagging them stale;
// existing alerts are never cleared on fetch failure.
type SnapshotError struct {
	Err error
}

func (e *SnapshotError) Error() string { return "snapshot fetch: " + e.Err.Error() }
func (e *SnapshotError) Unwrap() error { return e.Err }

// PersistError wraps a failed ledger or threshold write. Mutations fail
// closed: in-memory state is only updated after the store write succeeds.
type PersistError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s (%s): %v", e.Op, e.Key, e.Err)
}
func (e *PersistError) Unwrap() error { return e.Err }
