package procmanager

import "regexp"

// ansiEscape matches CSI/OSC escape sequences (color codes, cursor moves,
// title-setting) so they never reach an on_update callback or a saved log.
var ansiEscape = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

// Sanitize strips ANSI escape sequences and the bell/backspace control
// characters a raw terminal stream carries, leaving plain printable text.
func Sanitize(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\a', '\b':
			continue
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
