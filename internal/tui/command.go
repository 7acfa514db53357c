package tui

import "strings"

// Command names accepted on the composer after ':'.
const (
	CmdOpen   = "open"
	CmdList   = "list"
	CmdRetry  = "retry"
	CmdRead   = "read"
	CmdOlder  = "older"
	CmdAttach = "attach"
	CmdQuit   = "quit"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':'). Names are
// case-insensitive and "q" is short for quit.
func ParseCommand(input string) Command {
	name, args, _ := strings.Cut(strings.TrimSpace(input), " ")
	cmd := Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}
	if cmd.Name == "q" {
		cmd.Name = CmdQuit
	}
	return cmd
}
