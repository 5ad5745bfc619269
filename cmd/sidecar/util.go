package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/loykin/sidecar/internal/events"
)

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return
	}
	_, _ = fmt.Fprintln(w, string(b))
}

// shutdownReason says why run or serve stopped waiting.
type shutdownReason int

const (
	reasonSignal shutdownReason = iota
	reasonCrash
	reasonClosed
)

// waitForShutdown blocks until ctx is cancelled, the backend crashes or the
// notification stream closes. Other notifications are reported to w.
func waitForShutdown(ctx context.Context, notify <-chan events.Event, w io.Writer) (shutdownReason, events.Event) {
	for {
		select {
		case <-ctx.Done():
			return reasonSignal, events.Event{}
		case e, ok := <-notify:
			if !ok {
				return reasonClosed, events.Event{}
			}
			if e.Type == events.BackendCrashed {
				return reasonCrash, e
			}
			_, _ = fmt.Fprintf(w, "%s: %s\n", e.Type, e.Message)
		}
	}
}
