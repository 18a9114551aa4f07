package collab

import "time"

// ConflictType represents the kind of contention detected
type ConflictType string

const (
	// FileConflict is contention over a whole file (version skew,
	// concurrent structural edits to the same path).
	FileConflict ConflictType = "file_conflict"
	// OperationConflict is contention between overlapping operations
	// inside one file.
	OperationConflict ConflictType = "operation_conflict"
)

// ConflictSeverity ranks how much a conflict needs human attention.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ResolutionPolicy names a strategy for settling a conflict.
type ResolutionPolicy string

const (
	// PolicyAuto lets the system pick the best strategy per conflict type.
	PolicyAuto ResolutionPolicy = "auto"
	// PolicyLastWriteWins keeps the contender with the newest timestamp.
	PolicyLastWriteWins ResolutionPolicy = "last_write_wins"
	// PolicyFirstWriteWins keeps the contender with the oldest timestamp.
	PolicyFirstWriteWins ResolutionPolicy = "first_write_wins"
	// PolicyMerge signals that a three-way merge must be performed by a
	// human or a merge tool. Not automated; high risk.
	PolicyMerge ResolutionPolicy = "merge"
	// PolicyRenameBoth keeps every version under disambiguated names.
	PolicyRenameBoth ResolutionPolicy = "rename_both"
	// PolicyManual defers entirely to the user.
	PolicyManual ResolutionPolicy = "manual"
)

// ConflictUser is one contender in a conflict.
type ConflictUser struct {
	Username  string    `json:"username"`
	Operation string    `json:"operation"` // e.g. "insert", "delete", "rename"
	Timestamp time.Time `json:"timestamp"`
}

// Conflict is a detected case of contention over a path. It lives in
// the detector's active set until resolved.
type Conflict struct {
	ID                  string           `json:"conflictId"`
	Path                string           `json:"path"`
	Type                ConflictType     `json:"type"`
	Users               []ConflictUser   `json:"users"`
	Severity            ConflictSeverity `json:"severity"`
	AutoResolvable      bool             `json:"autoResolvable"`
	SuggestedResolution ResolutionPolicy `json:"suggestedResolution"`
	DetectedAt          time.Time        `json:"detectedAt"`
}

// Resolution is the outcome of applying a policy to a conflict.
type Resolution struct {
	ConflictID     string           `json:"conflictId"`
	Policy         ResolutionPolicy `json:"policy"`
	Winner         string           `json:"winner,omitempty"`
	RenamedPaths   []string         `json:"renamedPaths,omitempty"`
	RequiresManual bool             `json:"requiresManual,omitempty"`
	Risk           string           `json:"risk,omitempty"`
	ResolvedAt     time.Time        `json:"resolvedAt"`
}

// classify fills Severity, AutoResolvable and SuggestedResolution from
// the contender list, in strict priority order: crowd size first, then
// conflict type.
func (c *Conflict) classify() {
	switch {
	case len(c.Users) > 3:
		c.Severity = SeverityCritical
	case len(c.Users) > 2:
		c.Severity = SeverityHigh
	case c.Type == OperationConflict:
		c.Severity = SeverityMedium
	default:
		c.Severity = SeverityLow
	}

	switch c.Type {
	case FileConflict:
		c.AutoResolvable = len(c.Users) <= 2
		c.SuggestedResolution = PolicyLastWriteWins
	case OperationConflict:
		c.AutoResolvable = len(c.distinctOperations()) <= 2
		c.SuggestedResolution = PolicyAuto
	default:
		c.AutoResolvable = false
		c.SuggestedResolution = PolicyManual
	}
}

func (c *Conflict) distinctOperations() map[string]bool {
	kinds := make(map[string]bool)
	for _, u := range c.Users {
		kinds[u.Operation] = true
	}
	return kinds
}
