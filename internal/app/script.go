package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"prioritybus/internal/priority"
	logx "prioritybus/pkg/logx"
)

// ScriptCommand is the command type submitted by the line console.
// An empty Class makes it a plain command.
type ScriptCommand struct {
	Class priority.Class
	Name  string
	// Work simulates handler run time.
	Work time.Duration
}

func (c ScriptCommand) PriorityClass() priority.Class { return c.Class }
func (c ScriptCommand) CommandName() string           { return c.Name }

// ParseScriptLine parses "<class> <name> [work]". The class "plain"
// yields a plain command.
func ParseScriptLine(line string) (ScriptCommand, error) {
	f := strings.Fields(line)
	if len(f) < 2 || len(f) > 3 {
		return ScriptCommand{}, fmt.Errorf("want <class> <name> [work], got %q", line)
	}
	var cmd ScriptCommand
	if !strings.EqualFold(f[0], "plain") {
		class, err := priority.ParseClass(f[0])
		if err != nil {
			return ScriptCommand{}, err
		}
		cmd.Class = class
	}
	cmd.Name = f[1]
	if len(f) == 3 {
		d, err := time.ParseDuration(f[2])
		if err != nil || d < 0 {
			return ScriptCommand{}, fmt.Errorf("invalid work duration %q", f[2])
		}
		cmd.Work = d
	}
	return cmd, nil
}

// RunScript reads commands from r until EOF or ctx is done.
//
// Lines:
//
//	<class> <name> [work]   submit a command
//	!flush [class...]       ExecuteAll
//	!drain <class>          ExecuteQueue
//	!fire <event>           dispatch a named event
//	!pending                print queued counts
//
// Blank lines and lines starting with '#' are ignored. A failing line is
// reported and the script continues.
func (a *App) RunScript(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := a.execLine(ctx, line); err != nil {
				a.log.Warn("script line failed", logx.String("line", line), logx.Err(err))
				a.out.printf("error: %v\n", err)
			}
		}
	}
}

func (a *App) execLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	if !strings.HasPrefix(line, "!") {
		cmd, err := ParseScriptLine(line)
		if err != nil {
			return err
		}
		return a.pipe.Dispatch(ctx, cmd)
	}

	f := strings.Fields(line[1:])
	if len(f) == 0 {
		return fmt.Errorf("empty directive")
	}
	args := f[1:]
	switch f[0] {
	case "flush":
		order := make([]priority.Class, 0, len(args))
		for _, s := range args {
			c, err := priority.ParseClass(s)
			if err != nil {
				return err
			}
			order = append(order, c)
		}
		return a.sched.ExecuteAll(ctx, order...)
	case "drain":
		if len(args) != 1 {
			return fmt.Errorf("usage: !drain <class>")
		}
		c, err := priority.ParseClass(args[0])
		if err != nil {
			return err
		}
		return a.sched.ExecuteQueue(ctx, c)
	case "fire":
		if len(args) != 1 {
			return fmt.Errorf("usage: !fire <event>")
		}
		return a.events.Dispatch(ctx, args[0])
	case "pending":
		pending := a.sched.Pending()
		classes := a.sched.Classes()
		parts := make([]string, 0, len(classes))
		for _, c := range classes {
			parts = append(parts, fmt.Sprintf("%s=%d", c, pending[c]))
		}
		slices.Sort(parts)
		a.out.printf("pending %s\n", strings.Join(parts, " "))
		return nil
	default:
		return fmt.Errorf("unknown directive %q", f[0])
	}
}

// handleScript is the pipeline handler for ScriptCommand.
func (a *App) handleScript(ctx context.Context, cmd ScriptCommand) error {
	if cmd.Work > 0 {
		t := time.NewTimer(cmd.Work)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	class := string(cmd.Class)
	if class == "" {
		class = "plain"
	}
	a.out.printf("ran %s %s\n", class, cmd.Name)
	return nil
}

// syncWriter serializes output from the console and offload workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	if s == nil || s.w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}
