package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/colorlab/colorimeter"
)

// lineInteractor turns lines of input into interactor actions.  An empty line
// triggers, a line starting with q aborts.  End of input aborts.
type lineInteractor struct {
	lines chan string
}

func newLineInteractor(r io.Reader) *lineInteractor {
	li := &lineInteractor{lines: make(chan string, 16)}
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			li.lines <- strings.TrimSpace(sc.Text())
		}
		close(li.lines)
	}()
	return li
}

func isQuit(txt string) bool {
	return strings.HasPrefix(strings.ToLower(txt), "q")
}

// Poll consumes one line if there is one waiting
func (li *lineInteractor) Poll() colorimeter.Action {
	select {
	case txt, ok := <-li.lines:
		if !ok || isQuit(txt) {
			return colorimeter.Abort
		}
		return colorimeter.Fire
	default:
		return colorimeter.Continue
	}
}

// Wait blocks until a line arrives, returning false on abort or end of input
func (li *lineInteractor) Wait() bool {
	txt, ok := <-li.lines
	return ok && !isQuit(txt)
}

// spinner wraps yacspin for interactive waits.  With quiet set it prints the
// message once, for logs and pipes.
type spinner struct {
	s     *yacspin.Spinner
	out   io.Writer
	quiet bool
}

func newSpinner(out io.Writer, quiet bool) (*spinner, error) {
	sp := &spinner{out: out, quiet: quiet}
	if quiet {
		return sp, nil
	}
	s, err := yacspin.New(yacspin.Config{
		Writer:            out,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return nil, err
	}
	sp.s = s
	return sp, nil
}

func (sp *spinner) start(msg string) {
	if sp.quiet {
		fmt.Fprintln(sp.out, msg)
		return
	}
	sp.s.Message(msg)
	sp.s.Start()
}

func (sp *spinner) stop(err error) {
	if sp.quiet {
		return
	}
	if err != nil {
		sp.s.StopFailMessage(err.Error())
		sp.s.StopFail()
		return
	}
	sp.s.StopMessage("done")
	sp.s.Stop()
}
