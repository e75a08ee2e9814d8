package datalist

import (
	"context"

	"github.com/agentworkforce/relaylist/internal/orm"
)

type NotificationOptions struct {
	Title string
	Type  string
}

// NotificationService shows non-blocking messages to the user.
type NotificationService interface {
	Add(message string, opts NotificationOptions)
}

// AlertDialog is a blocking message with a confirm and an optional dismiss
// callback. Callbacks run outside the model mutex.
type AlertDialog struct {
	Title        string
	Body         string
	ConfirmLabel string
	Confirm      func(ctx context.Context) error
	Dismiss      func()
}

type DialogService interface {
	Add(ctx context.Context, dialog AlertDialog)
}

type ActionOptions struct {
	OnClose func(ctx context.Context) error
}

// ActionService routes actions returned by the server (wizards, client
// actions) to whatever displays them.
type ActionService interface {
	DoAction(ctx context.Context, action orm.Values, opts ActionOptions) error
}

// Hooks let an observer veto a multi-record save or react once it is done.
// Both run while the model mutex is held: a hook must not call back into a
// list of the same model or it deadlocks.
type Hooks struct {
	// OnWillSaveMulti returning false cancels the save.
	OnWillSaveMulti func(ctx context.Context, origin *Record, changes orm.Values, targets []*Record) bool
	OnSavedMulti    func(ctx context.Context, targets []*Record)
}

type discardNotifications struct{}

func (discardNotifications) Add(string, NotificationOptions) {}

type discardDialogs struct{}

func (discardDialogs) Add(context.Context, AlertDialog) {}

// closingActions has no display: every action is considered closed at once.
type closingActions struct{}

func (closingActions) DoAction(ctx context.Context, _ orm.Values, opts ActionOptions) error {
	if opts.OnClose == nil {
		return nil
	}
	return opts.OnClose(ctx)
}
