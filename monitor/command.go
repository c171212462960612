package monitor

// Command is a control request delivered to the worker through its single-slot channel.
// Commands are observed at the top of a cycle, never during an exchange.
type Command uint8

const (
	// CommandDisconnect stops the worker and closes the connection.
	CommandDisconnect Command = iota
	// CommandPause halts the target and suspends cycles until CommandResume.
	CommandPause
	// CommandResume continues the target and restarts cycles.
	CommandResume
)

func (c Command) String() string {
	switch c {
	case CommandDisconnect:
		return "Disconnect"
	case CommandPause:
		return "Pause"
	case CommandResume:
		return "Resume"
	default:
		return "Unknown"
	}
}
