package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/harun/conductor/pkg/orchestrator"
)

// TerminalInteractor asks questions and approvals on a line-oriented
// terminal. Prompts go to out so stdout stays reserved for results.
type TerminalInteractor struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalInteractor reads answers from in and writes prompts to out.
func NewTerminalInteractor(in io.Reader, out io.Writer) *TerminalInteractor {
	return &TerminalInteractor{in: bufio.NewReader(in), out: out}
}

func (t *TerminalInteractor) AskUser(ctx context.Context, questions []orchestrator.Question) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	answers := make([]string, len(questions))
	for i, q := range questions {
		fmt.Fprintf(t.out, "\n? %s\n", q.Text)
		for j, opt := range q.Options {
			fmt.Fprintf(t.out, "  %d) %s\n", j+1, opt)
		}
		fmt.Fprint(t.out, "> ")

		line, err := t.readLine(ctx)
		if err != nil {
			return nil, err
		}
		answers[i] = pickOption(line, q.Options)
	}
	return answers, nil
}

func (t *TerminalInteractor) UpdateTodos(_ context.Context, todos []orchestrator.Todo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.out, "\nPlan:")
	for _, todo := range todos {
		fmt.Fprintf(t.out, "  %s %d. [%s] %s\n", todoMark(todo.Status), todo.ID, todo.Agent, todo.Content)
	}
	return nil
}

func (t *TerminalInteractor) RequestApproval(ctx context.Context, summary string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\n%s\nApprove? [y/N] ", summary)
	line, err := t.readLine(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// readLine returns the next trimmed line. EOF counts as an empty answer so a
// closed stdin falls back to defaults instead of failing the task.
func (t *TerminalInteractor) readLine(ctx context.Context) (string, error) {
	type read struct {
		line string
		err  error
	}
	ch := make(chan read, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		ch <- read{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && r.err != io.EOF {
			return "", r.err
		}
		return strings.TrimSpace(r.line), nil
	}
}

// pickOption maps a numeric reply onto the listed options. Anything else is
// taken as a free-form answer.
func pickOption(line string, options []string) string {
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
		return options[n-1]
	}
	return line
}

func todoMark(s orchestrator.TodoStatus) string {
	switch s {
	case orchestrator.TodoCompleted:
		return "[x]"
	case orchestrator.TodoInProgress:
		return "[~]"
	case orchestrator.TodoFailed:
		return "[!]"
	case orchestrator.TodoSkipped:
		return "[-]"
	default:
		return "[ ]"
	}
}
