package autosave

// Phase is the scheduler's position in its save cycle
type Phase int

const (
	// PhaseIdle means no timer is armed and no write is in flight
	PhaseIdle Phase = iota
	// PhasePendingSave means the debounce timer is armed
	PhasePendingSave
	// PhaseSaving means a write is in flight
	PhaseSaving
	// PhaseError means the last write failed; the next change re-arms
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePendingSave:
		return "pending_save"
	case PhaseSaving:
		return "saving"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// SaveState is the save status shown to the user
type SaveState int

const (
	// StateClean means the draft matches the reference snapshot
	StateClean SaveState = iota
	// StateDirty means the draft has unsaved changes
	StateDirty
	// StateSaving means a write is in flight
	StateSaving
	// StateError means the last save attempt failed
	StateError
)

func (s SaveState) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateSaving:
		return "saving"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
