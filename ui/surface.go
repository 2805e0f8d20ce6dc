package ui

import "io"

// Surface abstracts the interactive console so main can run with or without
// it. Implementations must be safe for concurrent calls from the stats loop
// and the log fanout.
type Surface interface {
	WaitReady()
	Stop()
	// Done is closed once the surface has stopped, including when the user quits.
	Done() <-chan struct{}
	SetStats(lines []string)
	AppendSystem(line string)
	SystemWriter() io.Writer
}
