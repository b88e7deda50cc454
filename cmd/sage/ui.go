package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/martinemde/sage/agentloop"
)

// renderEvents prints progress to stderr until the event stream closes.
// Streamed text goes to stdout as it arrives.
func renderEvents(events <-chan agentloop.LoopEvent, stdout, stderr io.Writer, stream bool) {
	for ev := range events {
		switch ev.Kind {
		case agentloop.EventAssistantTextDelta:
			if stream {
				fmt.Fprint(stdout, ev.Data["delta"])
			}
		case agentloop.EventAssistantTextEnd:
			if stream {
				fmt.Fprintln(stdout)
			}
		case agentloop.EventToolCallStart:
			fmt.Fprintf(stderr, "-> %v\n", ev.Data["tool_name"])
		case agentloop.EventToolCallEnd:
			line := fmt.Sprintf("   %v %v", ev.Data["tool_name"], ev.Data["state"])
			if d, ok := ev.Data["duration"].(time.Duration); ok {
				line += " in " + d.Round(time.Millisecond).String()
			}
			if e, ok := ev.Data["error"]; ok {
				line += ": " + fmt.Sprint(e)
			}
			fmt.Fprintln(stderr, line)
		case agentloop.EventCheckpoint:
			fmt.Fprintf(stderr, "   checkpoint %v (%v files)\n", ev.Data["checkpoint_id"], ev.Data["files"])
		case agentloop.EventCompaction:
			fmt.Fprintf(stderr, "-- context compacted (%v -> %v tokens)\n", ev.Data["tokens_before"], ev.Data["tokens_after"])
		case agentloop.EventFallback:
			fmt.Fprintf(stderr, "-- switched model %v -> %v (%v)\n", ev.Data["from"], ev.Data["to"], ev.Data["reason"])
		case agentloop.EventWarning, agentloop.EventLoopDetection:
			fmt.Fprintf(stderr, "warning: %v\n", ev.Data["message"])
		case agentloop.EventError:
			fmt.Fprintf(stderr, "error: %v\n", ev.Data["error"])
		case agentloop.EventSessionEnd:
			fmt.Fprintf(stderr, "== %v\n", ev.Data["message"])
		}
	}
}

// answerInput reads one line from r per pending question. End of input
// closes the channel, which the loop treats as "no more answers". A line
// of "/cancel" dismisses the question.
func answerInput(ch *agentloop.InputChannel, r io.Reader, w io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ch.Done():
				return
			}
		}
	}()

	for {
		select {
		case p := <-ch.Requests():
			fmt.Fprintln(w, p.Request.Prompt)
			if len(p.Request.Options) > 0 {
				fmt.Fprintf(w, "[%s] ", strings.Join(p.Request.Options, "/"))
			} else {
				fmt.Fprint(w, "> ")
			}
			select {
			case line, ok := <-lines:
				if !ok {
					ch.Close()
					return
				}
				line = strings.TrimSpace(line)
				if line == "/cancel" {
					p.Respond(agentloop.InputResponse{Cancelled: true})
					continue
				}
				p.Respond(agentloop.InputResponse{Text: line})
			case <-ch.Done():
				return
			}
		case <-ch.Done():
			return
		}
	}
}
