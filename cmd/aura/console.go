package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/aura/internal/session"
	"github.com/MrWong99/aura/internal/settings"
	"github.com/MrWong99/aura/internal/transcript"
)

// console is the interactive terminal front end. It reads one command per
// line and renders session snapshots as they arrive.
type console struct {
	sess  *session.Session
	store *settings.Store
	in    io.Reader
	out   io.Writer

	// startErrs carries background Start failures back to Run, the only
	// goroutine that writes to out.
	startErrs chan error

	// Rendering state, touched only by Run.
	printed  []transcript.Entry
	status   session.Status
	speaking bool
}

func newConsole(sess *session.Session, store *settings.Store, in io.Reader, out io.Writer) *console {
	return &console{sess: sess, store: store, in: in, out: out, startErrs: make(chan error, 1)}
}

// Run processes commands until "quit" or ctx ends. When the input reaches
// EOF the console keeps rendering until ctx ends.
func (c *console) Run(ctx context.Context, autoStart bool) error {
	snaps, cancel := c.sess.Subscribe()
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	if autoStart {
		c.start(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			c.render(snap)
		case err := <-c.startErrs:
			fmt.Fprintf(c.out, "could not start: %v\n", err)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if quit := c.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the console should exit.
func (c *console) exec(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
	case "start":
		c.start(ctx)
	case "stop":
		c.sess.Stop()
	case "status":
		snap := c.sess.Snapshot()
		st := c.store.Get()
		fmt.Fprintf(c.out, "status: %s  voice: %s  tone: %s\n", snap.Status, st.Voice, st.Tone)
		if snap.Error != "" {
			fmt.Fprintf(c.out, "last error: %s\n", snap.Error)
		}
	case "tone":
		c.update(func(s *settings.Settings) { s.Tone = settings.Tone(arg) })
	case "voice":
		if arg == "" {
			fmt.Fprintln(c.out, "usage: voice <name>")
			return false
		}
		c.update(func(s *settings.Settings) { s.Voice = arg })
	case "quit", "exit":
		c.sess.Stop()
		return true
	default:
		fmt.Fprintf(c.out, "unknown command %q; try start, stop, status, tone, voice or quit\n", cmd)
	}
	return false
}

// start connects in the background so "stop" can still cancel it.
func (c *console) start(ctx context.Context) {
	go func() {
		err := c.sess.Start(ctx)
		if err == nil || errors.Is(err, session.ErrSuperseded) {
			return
		}
		select {
		case c.startErrs <- err:
		case <-ctx.Done():
		}
	}()
}

func (c *console) update(fn func(*settings.Settings)) {
	if err := c.store.Update(fn); err != nil {
		fmt.Fprintf(c.out, "%v\n", err)
		return
	}
	if c.sess.Snapshot().Status == session.StatusConnected {
		fmt.Fprintln(c.out, "applies from the next session")
	}
}

// render prints whatever changed since the previous snapshot.
func (c *console) render(snap session.Snapshot) {
	if snap.Status != c.status {
		c.status = snap.Status
		fmt.Fprintf(c.out, "● %s\n", snap.Status)
		if snap.Status == session.StatusConnecting {
			c.printed = nil
		}
	}

	n := commonPrefix(c.printed, snap.Transcript)
	for _, e := range snap.Transcript[n:] {
		fmt.Fprintf(c.out, "[%s] %s\n", e.Speaker, e.Text)
	}
	c.printed = snap.Transcript

	if snap.ModelSpeaking != c.speaking {
		c.speaking = snap.ModelSpeaking
		if c.speaking {
			fmt.Fprintln(c.out, "  ♪ speaking")
		} else {
			fmt.Fprintln(c.out, "  … listening")
		}
	}
}

func commonPrefix(a, b []transcript.Entry) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
