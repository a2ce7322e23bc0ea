package frontend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

const confirmMsg = "Please double-check the fingerprints. Do you want to join the benchmark? [Y/n]"

type promptMode int32

const (
	modeNone promptMode = iota
	modeEnter
	modeConfirm
)

// Terminal is the interactive frontend: prompts on stdout, answers from
// stdin. Line interpretation depends on which prompt is active.
type Terminal struct {
	out    io.Writer
	events chan UserEvent
	mode   atomic.Int32
}

// NewTerminal starts the stdin reader and returns the frontend.
func NewTerminal() *Terminal {
	t := &Terminal{out: os.Stdout, events: make(chan UserEvent, 8)}
	go t.readLines(os.Stdin)
	return t
}

func (t *Terminal) readLines(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.ToLower(strings.TrimSpace(sc.Text()))
		switch promptMode(t.mode.Load()) {
		case modeEnter:
			t.events <- UserEvent{Kind: EventEnter}
		case modeConfirm:
			switch line {
			case "", "y", "yes":
				t.mode.Store(int32(modeNone))
				t.events <- UserEvent{Kind: EventAnswer, Yes: true}
			case "n", "no":
				t.mode.Store(int32(modeNone))
				t.events <- UserEvent{Kind: EventAnswer, Yes: false}
			default:
				fmt.Fprintln(t.out, confirmMsg)
			}
		}
	}
}

func (t *Terminal) Events() <-chan UserEvent { return t.events }

func (t *Terminal) PromptLeaderStart(joinAddr string) {
	// The address line is printed alone so it can be copied verbatim.
	fmt.Fprintln(t.out, joinAddr)
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, "A new session has been started, others can join with:")
	fmt.Fprintf(t.out, "  sinebench --address=%s --name=<alias> --input=<file.json>\n", joinAddr)
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, "Press ENTER to start the benchmark once all participants have joined.")
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, "-- Participants --")
	t.mode.Store(int32(modeEnter))
}

func (t *Terminal) PromptJoinConfirm(participants []Participant) {
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, "-- Roster --")
	for _, p := range participants {
		fmt.Fprintf(t.out, "%s - %s\n", p.Fingerprint, p.Name)
	}
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, confirmMsg)
	t.mode.Store(int32(modeConfirm))
}

func (t *Terminal) DisplayParticipant(p Participant) {
	fmt.Fprintf(t.out, "%s - %s\n", p.Fingerprint, p.Name)
}

func (t *Terminal) Notify(msg string) {
	fmt.Fprintln(t.out, msg)
}

func (t *Terminal) DisplayResult(results map[string]string) {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, "The average of the benchmarked values is:")
	for _, k := range keys {
		fmt.Fprintf(t.out, "  %s: %s\n", k, results[k])
	}
}

func (t *Terminal) DisplayError(kind, detail string) {
	fmt.Fprintf(os.Stderr, "error: %s: %s\n", kind, detail)
}
