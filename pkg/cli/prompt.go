// Package cli implements the terminal prompts behind "dialbridge init".
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers line by line from In and writes questions to Out.
type Prompter struct {
	In  io.Reader
	Out io.Writer
	buf *bufio.Reader
}

// DefaultPrompter returns a Prompter wired to the process terminal.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) line() string {
	if p.buf == nil {
		p.buf = bufio.NewReader(p.In)
	}
	s, _ := p.buf.ReadString('\n')
	return strings.TrimSpace(s)
}

// Ask prints the label and returns what the user typed, or the default when
// the answer is blank.
func (p *Prompter) Ask(label, def string) string {
	if def == "" {
		fmt.Fprintf(p.Out, "%s: ", label)
	} else {
		fmt.Fprintf(p.Out, "%s [%s]: ", label, def)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskPassword reads an answer without echoing it. When In is not a terminal
// (piped input, tests) it degrades to a plain line read.
func (p *Prompter) AskPassword(label string) string {
	fmt.Fprintf(p.Out, "%s: ", label)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// Choose renders a numbered menu and keeps asking until the answer names one
// of the options. Blank input selects defaultIdx.
func (p *Prompter) Choose(label string, options []string, defaultIdx int) string {
	fmt.Fprintln(p.Out, label)
	for i, opt := range options {
		cursor := "  "
		if i == defaultIdx {
			cursor = "* "
		}
		fmt.Fprintf(p.Out, "  %s%d) %s\n", cursor, i+1, opt)
	}

	for {
		ans := p.Ask("  Select", strconv.Itoa(defaultIdx+1))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.Out, "  Enter a number between 1 and %d.\n", len(options))
	}
}
