package daemon

// State is a daemon lifecycle state.
type State int

const (
	Initializing State = iota
	Daemonized
	RunningIteration
	ReloadRequested
	ShutdownRequested
	Terminated
)

var stateNames = [...]string{
	Initializing:      "initializing",
	Daemonized:        "daemonized",
	RunningIteration:  "running_iteration",
	ReloadRequested:   "reload_requested",
	ShutdownRequested: "shutdown_requested",
	Terminated:        "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
