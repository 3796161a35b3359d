package model

// EntryState is the lifecycle of one entry (database, table, or part)
// within a restore context (spec.md §3 "Restore context").
type EntryState string

// The four states a restore context entry can be in.
const (
	EntryPending    EntryState = "pending"
	EntryDownloaded EntryState = "downloaded"
	EntryAttached   EntryState = "attached"
	EntrySkipped    EntryState = "skipped"
)

// PartRef identifies one part within a restore context.
type PartRef struct {
	Database string `json:"database"`
	Table    string `json:"table"`
	PartName string `json:"part_name"`
}

// RestoreContext is the per-destination persistent document tracking
// restore progress, making restores resumable (spec.md §3, §4.6 Finalize,
// §8 "Idempotent restore").
type RestoreContext struct {
	Destination string                `json:"destination"`
	BackupID    string                `json:"backup_id"`
	Databases   map[string]EntryState `json:"databases"`
	Tables      map[string]EntryState `json:"tables"`
	Parts       map[string]EntryState `json:"parts"`
}

// NewRestoreContext creates an empty context for destination/backupID.
func NewRestoreContext(destination, backupID string) *RestoreContext {
	return &RestoreContext{
		Destination: destination,
		BackupID:    backupID,
		Databases:   make(map[string]EntryState),
		Tables:      make(map[string]EntryState),
		Parts:       make(map[string]EntryState),
	}
}

// String renders ref as the flat key restore context storage (the JSON
// "parts" map, and internal/restorectx's bolt buckets) indexes entries by.
func (ref PartRef) String() string {
	return ref.Database + "\x00" + ref.Table + "\x00" + ref.PartName
}

// PartState returns the current state of ref, defaulting to EntryPending
// for parts never recorded before.
func (c *RestoreContext) PartState(ref PartRef) EntryState {
	if s, ok := c.Parts[ref.String()]; ok {
		return s
	}
	return EntryPending
}

// SetPartState records ref's state.
func (c *RestoreContext) SetPartState(ref PartRef, state EntryState) {
	c.Parts[ref.String()] = state
}

// TableState returns the current state of a fully-qualified table name,
// defaulting to EntryPending.
func (c *RestoreContext) TableState(fqName string) EntryState {
	if s, ok := c.Tables[fqName]; ok {
		return s
	}
	return EntryPending
}

// SetTableState records a table's state.
func (c *RestoreContext) SetTableState(fqName string, state EntryState) {
	c.Tables[fqName] = state
}

// DatabaseState returns the current state of a database, defaulting to
// EntryPending.
func (c *RestoreContext) DatabaseState(name string) EntryState {
	if s, ok := c.Databases[name]; ok {
		return s
	}
	return EntryPending
}

// SetDatabaseState records a database's state.
func (c *RestoreContext) SetDatabaseState(name string, state EntryState) {
	c.Databases[name] = state
}

// Pending reports whether ref still needs to be attached: it has not
// already been attached or explicitly skipped. Re-running a restore
// consumes the context and retries only entries for which this is true
// (spec.md §3 "Restore context" guarantee).
func (c *RestoreContext) Pending(ref PartRef) bool {
	switch c.PartState(ref) {
	case EntryAttached, EntrySkipped:
		return false
	default:
		return true
	}
}
