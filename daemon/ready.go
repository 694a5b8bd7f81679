package daemon

import (
	"fmt"
	"io"
)

// readyMarker and peerMarker are the only two strings a daemon ever
// writes to stdout, each exactly once. A spawning client treats the
// arrival of the first byte on stdout as "the daemon is reachable"; it
// never parses the marker's content (spec §4.5, §6).
const (
	readyMarker = "READY"
	peerMarker  = "ALREADY RUNNING"
)

func writeReady(w io.Writer) error {
	_, err := fmt.Fprintln(w, readyMarker)
	return err
}

func writeAlreadyRunning(w io.Writer) error {
	_, err := fmt.Fprintln(w, peerMarker)
	return err
}
