package ptysession

import "regexp"

// terminalResponsePattern matches terminal query responses that a client may
// have emitted into the PTY's output stream (a background-color query, a
// device-attributes query, a cursor-position query). These are meaningless
// once detached from the querying terminal and must not appear when a
// buffered session is replayed to a newly (re)connected client.
var terminalResponsePattern = regexp.MustCompile(
	`\x1b]11;rgb:[0-9a-fA-F/]+(?:\x1b\\|\x07)` + // OSC 11 (ESC\ or BEL terminator)
		`|\x1b\[\?[0-9;]*c` + // DA1 response
		`|\x1b\[\d+(?:;\d+)?R`, // CPR response
)

// stripTerminalResponses removes terminal query responses from buffered PTY
// output before it is replayed to a reconnecting client.
func stripTerminalResponses(data []byte) []byte {
	return terminalResponsePattern.ReplaceAll(data, nil)
}
