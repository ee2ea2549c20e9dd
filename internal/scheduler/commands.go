package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/me/gocycle/internal/broadcast"
	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/store"
	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/pkg/model"
)

// Command names.
const (
	CmdHold             = "hold"
	CmdRelease          = "release"
	CmdHoldAfter        = "hold-after"
	CmdReleaseHoldPoint = "release-hold-point"
	CmdKill             = "kill"
	CmdTrigger          = "trigger"
	CmdSetOutputs       = "set-outputs"
	CmdRemove           = "remove"
	CmdStop             = "stop"
	CmdPause            = "pause"
	CmdResume           = "resume"
	CmdReload           = "reload"
	CmdBroadcast        = "broadcast"
	CmdClearBroadcast   = "clear-broadcast"
)

// CommandNames lists every command the loop accepts.
var CommandNames = []string{
	CmdHold, CmdRelease, CmdHoldAfter, CmdReleaseHoldPoint, CmdKill,
	CmdTrigger, CmdSetOutputs, CmdRemove, CmdStop, CmdPause, CmdResume,
	CmdReload, CmdBroadcast, CmdClearBroadcast,
}

// StopMode selects how an explicit stop treats active jobs.
type StopMode string

const (
	// StopClean stops submitting and waits for active jobs to finish.
	StopClean StopMode = "clean"
	// StopNow stops at once and leaves active jobs running.
	StopNow StopMode = "now"
	// StopKill kills active jobs, then stops.
	StopKill StopMode = "kill"
)

// Command is an administrative request. Which fields apply depends on Name.
type Command struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Tasks holds point/name[:state] patterns for task commands.
	Tasks []string `json:"tasks,omitempty"`
	// Outputs are the outputs for set-outputs (default succeeded).
	Outputs []string `json:"outputs,omitempty"`

	// Point is the cycle point for hold-after and stop-after-point.
	Point string `json:"point,omitempty"`
	// Mode, At and Task select the kind of stop.
	Mode StopMode   `json:"mode,omitempty"`
	At   *time.Time `json:"at,omitempty"`
	Task string     `json:"task,omitempty"`

	// Broadcast scope and settings.
	Points     []string         `json:"points,omitempty"`
	Namespaces []string         `json:"namespaces,omitempty"`
	Settings   taskdef.Settings `json:"settings,omitempty"`
}

// Result reports what a command did.
type Result struct {
	CommandID  string                `json:"command_id"`
	Tasks      []string              `json:"tasks,omitempty"`
	Unmatched  []string              `json:"unmatched,omitempty"`
	Broadcasts []broadcast.Broadcast `json:"broadcasts,omitempty"`
	Message    string                `json:"message,omitempty"`
}

// Validate checks the command without touching the pool.
func (c *Command) Validate() error {
	var fields []model.FieldError
	switch c.Name {
	case CmdHold, CmdRelease, CmdKill, CmdTrigger, CmdSetOutputs, CmdRemove:
		if len(c.Tasks) == 0 {
			fields = append(fields, model.FieldError{Field: "tasks", Message: "at least one task pattern is required"})
		}
	case CmdHoldAfter:
		if c.Point == "" {
			fields = append(fields, model.FieldError{Field: "point", Message: "required"})
		}
	case CmdStop:
		switch c.Mode {
		case "", StopClean, StopNow, StopKill:
		default:
			fields = append(fields, model.FieldError{Field: "mode", Message: "must be clean, now or kill"})
		}
	case CmdBroadcast:
		if len(c.Settings) == 0 {
			fields = append(fields, model.FieldError{Field: "settings", Message: "required"})
		}
	case CmdReleaseHoldPoint, CmdPause, CmdResume, CmdReload, CmdClearBroadcast:
	default:
		return model.NewValidationError(fmt.Sprintf("unknown command %q", c.Name))
	}
	if len(fields) > 0 {
		return model.NewValidationError("invalid "+c.Name+" command", fields...)
	}
	return nil
}

type reply struct {
	res *Result
	err error
}

type pendingCommand struct {
	cmd       Command
	journalID int64
	reply     chan reply
}

type pendingMessage struct {
	msg       model.TaskMessage
	journalID int64
}

// Do validates and journals cmd, then waits for the loop to apply it at
// the next iteration boundary.
func (l *Loop) Do(ctx context.Context, cmd Command) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	jid, err := l.store.AppendJournal(ctx, store.JournalCommand, payload)
	if err != nil {
		return nil, &model.StorageError{Op: "journal", Err: err}
	}
	pc := &pendingCommand{cmd: cmd, journalID: jid, reply: make(chan reply, 1)}
	l.inMu.Lock()
	l.commands = append(l.commands, pc)
	l.inMu.Unlock()
	l.logger.Info("command queued", "command", cmd.Name, "id", cmd.ID)

	select {
	case r := <-pc.reply:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.doneCh:
		return nil, &model.APIError{Code: model.ErrUnavailable, Message: "scheduler has shut down"}
	}
}

// Message journals a task message for the next iteration.
func (l *Loop) Message(ctx context.Context, msg model.TaskMessage) error {
	if msg.TaskID == "" || msg.Message == "" {
		return model.NewValidationError("task_id and message are required")
	}
	if msg.EventTime.IsZero() {
		msg.EventTime = l.now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	jid, err := l.store.AppendJournal(ctx, store.JournalMessage, payload)
	if err != nil {
		return &model.StorageError{Op: "journal", Err: err}
	}
	l.inMu.Lock()
	l.messages = append(l.messages, pendingMessage{msg: msg, journalID: jid})
	l.inMu.Unlock()
	return nil
}

// apply runs one command against the pool. It is only called by the loop.
func (l *Loop) apply(ctx context.Context, cmd Command) (*Result, error) {
	res := &Result{CommandID: cmd.ID}
	var err error
	switch cmd.Name {
	case CmdHold:
		res.Tasks, res.Unmatched, err = l.pool.Hold(cmd.Tasks)
	case CmdRelease:
		res.Tasks, res.Unmatched, err = l.pool.Release(cmd.Tasks)
	case CmdHoldAfter:
		var pt cycling.Point
		if pt, err = l.parsePoint(cmd.Point); err == nil {
			err = l.pool.SetHoldAfter(pt)
		}
	case CmdReleaseHoldPoint:
		res.Tasks = l.pool.ReleaseAll()
	case CmdKill:
		res.Tasks, res.Unmatched, err = l.killMatching(ctx, cmd.Tasks)
	case CmdTrigger:
		res.Tasks, res.Unmatched, err = l.pool.Trigger(cmd.Tasks)
	case CmdSetOutputs:
		res.Tasks, res.Unmatched, err = l.pool.SetOutputs(cmd.Tasks, cmd.Outputs)
	case CmdRemove:
		res.Tasks, res.Unmatched, err = l.pool.Remove(cmd.Tasks)
	case CmdStop:
		res.Message, err = l.requestStop(cmd)
	case CmdPause:
		l.paused = true
		l.logger.Info("workflow paused")
	case CmdResume:
		l.paused = false
		l.logger.Info("workflow resumed")
	case CmdReload:
		err = l.reload()
	case CmdBroadcast:
		res.Broadcasts, err = l.broadcasts.Put(cmd.Points, cmd.Namespaces, cmd.Settings)
	case CmdClearBroadcast:
		res.Broadcasts, err = l.broadcasts.Clear(cmd.Points, cmd.Namespaces)
	default:
		err = model.NewValidationError(fmt.Sprintf("unknown command %q", cmd.Name))
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Loop) parsePoint(s string) (cycling.Point, error) {
	pt, err := cycling.ParsePoint(l.def.Kind(), s)
	if err != nil {
		return cycling.Point{}, model.NewValidationError(err.Error(), model.FieldError{Field: "point", Message: err.Error()})
	}
	return pt, nil
}

// requestStop records a stop request. With no point, time or task the
// stop applies now in the given mode.
func (l *Loop) requestStop(cmd Command) (string, error) {
	switch {
	case cmd.Point != "":
		pt, err := l.parsePoint(cmd.Point)
		if err != nil {
			return "", err
		}
		l.pool.SetStopPoint(pt)
		return "stopping after point " + pt.String(), nil
	case cmd.At != nil:
		l.stopAt = cmd.At.UTC()
		l.logger.Info("stop time set", "at", l.stopAt)
		return "stopping at " + l.stopAt.Format(time.RFC3339), nil
	case cmd.Task != "":
		l.stopTask = cmd.Task
		l.logger.Info("stop task set", "task", cmd.Task)
		return "stopping after " + cmd.Task + " succeeds", nil
	}
	mode := cmd.Mode
	if mode == "" {
		mode = StopClean
	}
	l.stopMode = mode
	l.logger.Info("stop requested", "mode", mode)
	if mode == StopKill {
		for _, inst := range l.pool.Active() {
			l.killInstance(context.Background(), inst, model.ExitKilled)
		}
	}
	return "stopping (" + string(mode) + ")", nil
}

// reload swaps in a freshly loaded definition.
func (l *Loop) reload() error {
	if l.loader == nil {
		return model.NewValidationError("reload is not available: no definition source")
	}
	cfg, err := l.loader()
	if err != nil {
		return model.NewValidationError(fmt.Sprintf("reload: %v", err))
	}
	xt, err := newXTriggers(cfg, l.logger, l.xtriggers)
	if err != nil {
		return model.NewValidationError(fmt.Sprintf("reload: %v", err))
	}
	if err := l.pool.Reload(cfg); err != nil {
		return err
	}
	l.def = cfg
	l.xtriggers = xt
	l.pool.SetXTriggers(xt)
	l.logger.Info("workflow definition reloaded", "name", cfg.Name)
	return nil
}
