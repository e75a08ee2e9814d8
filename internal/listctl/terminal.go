package listctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/agentworkforce/relaylist/internal/datalist"
	"github.com/agentworkforce/relaylist/internal/orm"
)

// Terminal implements the dialog, notification and action services of a
// datalist.Model on a line-oriented prompt.
type Terminal struct {
	mu        sync.Mutex
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
}

func NewTerminal(in io.Reader, out io.Writer, assumeYes bool) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, assumeYes: assumeYes}
}

// Services wires the terminal into model options.
func (t *Terminal) Services(opts datalist.Options) datalist.Options {
	opts.Dialogs = terminalDialogs{t}
	opts.Notifications = terminalNotifications{t}
	opts.Actions = terminalActions{t}
	return opts
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// Confirm asks a yes/no question. EOF counts as no.
func (t *Terminal) Confirm(question string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.assumeYes {
		fmt.Fprintf(t.out, "%s [y/N] y\n", question)
		return true
	}
	fmt.Fprintf(t.out, "%s [y/N] ", question)
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(t.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

type terminalDialogs struct{ t *Terminal }

func (d terminalDialogs) Add(ctx context.Context, dialog datalist.AlertDialog) {
	if dialog.Title != "" {
		d.t.printf("== %s ==\n", dialog.Title)
	}
	if dialog.Body != "" {
		d.t.printf("%s\n", dialog.Body)
	}
	if dialog.Confirm == nil {
		if dialog.Dismiss != nil {
			dialog.Dismiss()
		}
		return
	}
	label := dialog.ConfirmLabel
	if label == "" {
		label = "Ok"
	}
	if !d.t.Confirm(label + "?") {
		if dialog.Dismiss != nil {
			dialog.Dismiss()
		}
		return
	}
	if err := dialog.Confirm(ctx); err != nil {
		d.t.printf("error: %v\n", err)
	}
}

type terminalNotifications struct{ t *Terminal }

func (n terminalNotifications) Add(message string, opts datalist.NotificationOptions) {
	kind := opts.Type
	if kind == "" {
		kind = "info"
	}
	if opts.Title != "" {
		n.t.printf("[%s] %s: %s\n", kind, opts.Title, message)
		return
	}
	n.t.printf("[%s] %s\n", kind, message)
}

// terminalActions prints the action the server returned and treats it as
// closed right away.
type terminalActions struct{ t *Terminal }

func (a terminalActions) DoAction(ctx context.Context, action orm.Values, opts datalist.ActionOptions) error {
	name, _ := action["name"].(string)
	kind, _ := action["type"].(string)
	data, err := json.Marshal(action)
	if err != nil {
		return err
	}
	a.t.printf("action %s (%s): %s\n", name, kind, data)
	if opts.OnClose == nil {
		return nil
	}
	return opts.OnClose(ctx)
}
