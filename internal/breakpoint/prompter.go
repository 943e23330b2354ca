package breakpoint

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Prompter captures a decision in the calling context.
type Prompter interface {
	Prompt(ctx context.Context, a *Approval) (Decision, error)
}

// PrompterFunc adapts a function.
type PrompterFunc func(ctx context.Context, a *Approval) (Decision, error)

func (f PrompterFunc) Prompt(ctx context.Context, a *Approval) (Decision, error) { return f(ctx, a) }

// TerminalPrompter asks on a line-oriented terminal.
//
// In is read by one goroutine that lives until In returns an error, so a prompt abandoned
// through its context does not leave a reader behind. A line typed while no prompt is
// waiting is delivered to the next prompt. Closing In stops the reader.
type TerminalPrompter struct {
	In   io.Reader
	Out  io.Writer
	Name string // recorded as decidedBy

	once  sync.Once
	lines chan string
	err   error // set before lines is closed
}

// Prompt prints the question and reads "y"/"n" followed by an optional comment line.
func (p *TerminalPrompter) Prompt(ctx context.Context, a *Approval) (Decision, error) {
	p.once.Do(p.start)
	fmt.Fprintf(p.Out, "\n[breakpoint %s] %s\n", a.ID, a.Question)
	if len(a.Context) > 0 {
		fmt.Fprintf(p.Out, "context: %s\n", a.Context)
	}
	for _, f := range a.Attachments {
		fmt.Fprintf(p.Out, "attachment: %s\n", f)
	}

	for {
		fmt.Fprint(p.Out, "approve? [y/n]: ")
		line, err := p.readLine(ctx)
		if err != nil {
			return Decision{}, err
		}
		var approved bool
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			approved = true
		case "n", "no":
		default:
			continue
		}
		fmt.Fprint(p.Out, "comment (optional): ")
		comment, err := p.readLine(ctx)
		if err != nil && ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		name := p.Name
		if name == "" {
			name = "terminal"
		}
		return Decision{Approved: approved, Comment: strings.TrimSpace(comment), DecidedBy: name}, nil
	}
}

func (p *TerminalPrompter) start() {
	p.lines = make(chan string)
	go func() {
		r := bufio.NewReader(p.In)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				p.lines <- line
			}
			if err != nil {
				p.err = err
				close(p.lines)
				return
			}
		}
	}()
}

func (p *TerminalPrompter) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "", p.err
		}
		return line, nil
	}
}
