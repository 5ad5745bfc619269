package process

// State is the lifecycle state of the supervised backend.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Stopping
	Stopped
	Failed
)

// States lists every state in order, for exporters that need the full set.
var States = []State{NotStarted, Starting, Running, Stopping, Stopped, Failed}

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and config output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether a backend process may currently exist.
func (s State) Active() bool { return s == Starting || s == Running || s == Stopping }
