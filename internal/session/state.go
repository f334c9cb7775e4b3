package session

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle is the state of a Session that has not been run.
	StateIdle State = iota
	// StateConnecting covers device start-up and opening the remote link.
	StateConnecting
	// StateActive means the send, receive and playback loops are running.
	StateActive
	// StateShuttingDown means the loops have been cancelled and resources are
	// being released.
	StateShuttingDown
	// StateTerminated is terminal.
	StateTerminated
)

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PlaybackState tracks the reply currently being spoken.
type PlaybackState int

const (
	// PlaybackIdle means no reply audio is pending.
	PlaybackIdle PlaybackState = iota
	// PlaybackPlaying is entered on the first audio chunk of a reply turn.
	PlaybackPlaying
	// PlaybackInterrupted is entered when a playing reply is cut off. Audio of
	// the interrupted turn is discarded until the turn ends or a new one
	// starts.
	PlaybackInterrupted
)

// String returns the lower-case playback state name.
func (p PlaybackState) String() string {
	switch p {
	case PlaybackIdle:
		return "idle"
	case PlaybackPlaying:
		return "playing"
	case PlaybackInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}
