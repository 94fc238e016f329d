package models

// ConflictType classifies a divergence between local and remote.
type ConflictType string

const (
	ConflictModified        ConflictType = "modified"
	ConflictAddedRemote     ConflictType = "added_remote"
	ConflictDeletedRemote   ConflictType = "deleted_remote"
	ConflictArchiveDiverged ConflictType = "archive_diverged"
)

// Conflict is one detected divergence. Local and Remote hold a Record for
// map and singleton sections and a []Record for the archive.
type Conflict struct {
	Key        string       `json:"key"`
	Type       ConflictType `json:"type"`
	DataType   EntityType   `json:"dataType"`
	Local      any          `json:"local"`
	Remote     any          `json:"remote"`
	LocalTime  int64        `json:"localTime"`
	RemoteTime int64        `json:"remoteTime"`

	// Archive only
	LocalOnly  []string `json:"localOnly,omitempty"`
	RemoteOnly []string `json:"remoteOnly,omitempty"`
}

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	// StrategyManual queues every conflict for the user.
	StrategyManual Strategy = "manual"

	// StrategyLocalWins keeps the local side.
	StrategyLocalWins Strategy = "local-wins"

	// StrategyRemoteWins keeps the remote side.
	StrategyRemoteWins Strategy = "remote-wins"

	// StrategyMerge keeps the newer side and unions archives.
	StrategyMerge Strategy = "merge"
)

// IsValid returns true if the strategy is recognized.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyManual, StrategyLocalWins, StrategyRemoteWins, StrategyMerge:
		return true
	default:
		return false
	}
}

// AllStrategies returns every supported strategy.
func AllStrategies() []Strategy {
	return []Strategy{StrategyManual, StrategyLocalWins, StrategyRemoteWins, StrategyMerge}
}

func (s Strategy) String() string {
	return string(s)
}

// Description returns a human-readable description of the strategy.
func (s Strategy) Description() string {
	switch s {
	case StrategyManual:
		return "Queue every conflict for manual resolution"
	case StrategyLocalWins:
		return "Keep local data and overwrite remote"
	case StrategyRemoteWins:
		return "Accept remote data and overwrite local"
	case StrategyMerge:
		return "Keep the newer version and union archived reports"
	default:
		return "Unknown strategy"
	}
}

// ConflictCounts summarizes one background cycle.
type ConflictCounts struct {
	Total        int `json:"total"`
	AutoResolved int `json:"autoResolved"`
	Pending      int `json:"pending"`
}
