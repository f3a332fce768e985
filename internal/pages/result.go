package pages

// SyncResult is the outcome of a sync engine operation.
type SyncResult int

const (
	// SyncSuccess means the operation completed, or was a no-op while offline.
	SyncSuccess SyncResult = iota
	// SyncError means a transient or unexpected failure; the work is retried
	// on a later sync tick.
	SyncError
	// SyncConflict means a detected divergence between local and
	// authoritative state that only the user can resolve.
	SyncConflict
)

// String returns a stable label for logging.
func (r SyncResult) String() string {
	switch r {
	case SyncSuccess:
		return "success"
	case SyncError:
		return "error"
	case SyncConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Worst combines drain outcomes: a conflict outranks an error, which
// outranks success.
func (r SyncResult) Worst(other SyncResult) SyncResult {
	if r == SyncConflict || other == SyncConflict {
		return SyncConflict
	}
	if r == SyncError || other == SyncError {
		return SyncError
	}
	return SyncSuccess
}

// ConflictCode classifies why a queued write could not be applied remotely.
type ConflictCode string

const (
	// ConflictStaleUpdate means the write was based on an outdated page version.
	ConflictStaleUpdate ConflictCode = "stale_update"
	// ConflictUniquenessViolation means the write collided with an existing (user, title).
	ConflictUniquenessViolation ConflictCode = "uniqueness_violation"
	// ConflictNotFound means the authority has no page with the write's id.
	ConflictNotFound ConflictCode = "not_found"
	// ConflictUnknown covers failures with no more specific classification.
	ConflictUnknown ConflictCode = "unknown"
)
