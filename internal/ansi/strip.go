// Package ansi strips terminal escape sequences from PTY output so that
// buffered lines and broadcast deltas carry plain text.
package ansi

import "regexp"

// csiOSC matches CSI sequences (ESC [ ... final-byte) and OSC sequences
// (ESC ] ... BEL or ST), the two escape families a PTY-driven CLI child
// emits for cursor movement, color, and terminal-title changes.
var csiOSC = regexp.MustCompile(
	"\x1b\\[[0-9;?]*[ -/]*[@-~]" + // CSI ... final byte
		"|\x1b\\][^\x07]*(\x07|\x1b\\\\)" + // OSC ... BEL or ST
		"|\x1b[@-_]", // two-byte escapes (e.g. ESC c, ESC =)
)

// Strip removes ANSI CSI/OSC escape sequences from line, returning plain text.
func Strip(line string) string {
	return csiOSC.ReplaceAllString(line, "")
}
