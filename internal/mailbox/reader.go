package mailbox

import (
	"bufio"
	"io"
	"strings"

	"github.com/dlbeer/mspdebug-sub002/internal/ctrlc"
)

// RunReader reads complete lines from r, strips trailing whitespace, and
// classifies each one per spec §4.7:
//
//   - a line starting with '\' is a special directive; the only
//     recognized one is "break", which raises sig.
//   - a line starting with ':' is a command with the prefix stripped.
//   - anything else is a command, unmodified.
//
// Commands are delivered to mb; RunReader returns once r is exhausted,
// after delivering EOF to mb.
func RunReader(r io.Reader, mb *Mailbox, sig *ctrlc.Signal) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r\n")

		switch {
		case strings.HasPrefix(line, "\\"):
			handleSpecial(line[1:], sig)
		case strings.HasPrefix(line, ":"):
			mb.Deliver(line[1:])
		default:
			mb.Deliver(line)
		}
	}
	mb.DeliverEOF()
}

func handleSpecial(directive string, sig *ctrlc.Signal) {
	if directive == "break" {
		sig.Raise()
	}
}
