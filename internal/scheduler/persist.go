package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jpillora/backoff"

	"github.com/me/gocycle/internal/broadcast"
	"github.com/me/gocycle/internal/store"
	"github.com/me/gocycle/pkg/model"
)

// Workflow parameter keys.
const (
	paramWorkflow     = "workflow"
	paramCyclingMode  = "cycling_mode"
	paramInitialPoint = "initial_point"
	paramScan         = "scan_pointers"
	paramHoldIntents  = "hold_intents"
	paramHoldPoint    = "hold_point"
	paramStopPoint    = "stop_point"
	paramXTriggers    = "xtriggers"
	paramPaused       = "paused"
	paramStatus       = "status"
)

// params returns the current workflow parameters.
func (l *Loop) params() map[string]string {
	scan, _ := json.Marshal(l.pool.ScanPointers())
	intents, _ := json.Marshal(l.pool.HoldIntents())
	xt, _ := json.Marshal(l.xtriggers.Results())
	p := map[string]string{
		paramWorkflow:     l.config.WorkflowID,
		paramCyclingMode:  string(l.def.Kind()),
		paramInitialPoint: l.def.Context.Initial.String(),
		paramScan:         string(scan),
		paramHoldIntents:  string(intents),
		paramHoldPoint:    "",
		paramStopPoint:    "",
		paramXTriggers:    string(xt),
		paramPaused:       strconv.FormatBool(l.paused),
		paramStatus:       string(l.status),
	}
	if hp := l.pool.HoldPoint(); !hp.IsZero() {
		p[paramHoldPoint] = hp.String()
	}
	if sp := l.pool.StopPoint(); !sp.IsZero() {
		p[paramStopPoint] = sp.String()
	}
	return p
}

// changedParams returns the parameters that differ from the last
// successful checkpoint.
func (l *Loop) changedParams() map[string]string {
	changed := make(map[string]string)
	for k, v := range l.params() {
		if old, ok := l.savedParams[k]; !ok || old != v {
			changed[k] = v
		}
	}
	return changed
}

// checkpoint writes everything that changed since the last successful
// checkpoint in one transaction, retrying with backoff. Changes are kept
// for the next iteration when every attempt fails.
func (l *Loop) checkpoint(ctx context.Context) error {
	upserts, deletes := l.pool.Changes()
	cp := &store.Checkpoint{
		Upserts: upserts,
		Deletes: deletes,
		Jobs:    l.pool.JobChanges(),
		Params:  l.changedParams(),
		Applied: l.applied,
	}
	if l.broadcasts.Changed() {
		all := l.broadcasts.All()
		if all == nil {
			all = []broadcast.Broadcast{}
		}
		cp.Broadcasts = &all
	}
	if cp.Empty() {
		return nil
	}

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}
	start := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		if err = l.store.SaveCheckpoint(ctx, cp); err == nil {
			break
		}
		if attempt >= l.config.CheckpointAttempts {
			break
		}
		d := b.Duration()
		l.logger.Warn("checkpoint failed, retrying", "attempt", attempt, "retry_in", d, "error", err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(d):
			continue
		}
		break
	}
	if l.metrics != nil {
		l.metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		l.checkpointOK = false
		if l.metrics != nil {
			l.metrics.CheckpointFailures.Inc()
		}
		return &model.StorageError{Op: "checkpoint", Err: err}
	}

	l.pool.ClearChanges()
	l.broadcasts.ClearChanged()
	for k, v := range cp.Params {
		l.savedParams[k] = v
	}
	l.applied = nil
	now := l.now().UTC()
	l.lastCheckpoint = &now
	l.checkpointOK = true
	l.logger.Debug("checkpoint written", "upserts", len(cp.Upserts), "deletes", len(cp.Deletes), "jobs", len(cp.Jobs))
	return nil
}

// Restore loads the state of a previous run, if any, and replays journal
// entries that were received but never applied. It must be called before
// Start. It reports whether a previous run was found.
func (l *Loop) Restore(ctx context.Context) (bool, error) {
	params, err := l.store.LoadParams(ctx)
	if err != nil {
		return false, err
	}
	if len(params) == 0 {
		l.logger.Info("no previous run found, starting fresh")
		return false, nil
	}
	if mode := params[paramCyclingMode]; mode != "" && mode != string(l.def.Kind()) {
		return false, &model.DomainMismatchError{Op: "restore", Left: mode, Right: string(l.def.Kind())}
	}

	records, err := l.store.LoadPool(ctx)
	if err != nil {
		return false, err
	}
	if err := l.pool.Load(records); err != nil {
		return false, fmt.Errorf("restore pool: %w", err)
	}
	if s := params[paramScan]; s != "" {
		var scan map[string]string
		if err := json.Unmarshal([]byte(s), &scan); err != nil {
			return false, fmt.Errorf("restore scan pointers: %w", err)
		}
		if err := l.pool.RestoreScanPointers(scan); err != nil {
			return false, err
		}
	}
	if s := params[paramHoldIntents]; s != "" {
		var ids []string
		if err := json.Unmarshal([]byte(s), &ids); err != nil {
			return false, fmt.Errorf("restore hold intents: %w", err)
		}
		l.pool.RestoreHoldIntents(ids)
	}
	if s := params[paramHoldPoint]; s != "" {
		pt, err := l.parsePoint(s)
		if err != nil {
			return false, fmt.Errorf("restore hold point: %w", err)
		}
		if err := l.pool.SetHoldAfter(pt); err != nil {
			return false, err
		}
	}
	if s := params[paramStopPoint]; s != "" {
		pt, err := l.parsePoint(s)
		if err != nil {
			return false, fmt.Errorf("restore stop point: %w", err)
		}
		l.pool.SetStopPoint(pt)
	}
	if s := params[paramXTriggers]; s != "" {
		var keys []string
		if err := json.Unmarshal([]byte(s), &keys); err != nil {
			return false, fmt.Errorf("restore xtriggers: %w", err)
		}
		if err := l.xtriggers.Restore(l.def.Kind(), keys); err != nil {
			return false, err
		}
	}
	l.paused = params[paramPaused] == "true"

	bcs, err := l.store.LoadBroadcasts(ctx)
	if err != nil {
		return false, err
	}
	l.broadcasts.Load(bcs)
	for k, v := range params {
		l.savedParams[k] = v
	}
	l.pool.ClearChanges()
	l.adoptJobs()

	replayed, err := l.replayJournal(ctx)
	if err != nil {
		return true, err
	}
	l.logger.Info("previous run restored",
		"instances", len(records),
		"broadcasts", len(bcs),
		"replayed", replayed,
		"paused", l.paused)
	return true, nil
}

// replayJournal applies journal entries recorded before the last shutdown
// but never checkpointed as applied.
func (l *Loop) replayJournal(ctx context.Context) (int, error) {
	entries, err := l.store.UnappliedJournal(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		switch e.Kind {
		case store.JournalMessage:
			var msg model.TaskMessage
			if err := json.Unmarshal(e.Payload, &msg); err != nil {
				l.logger.Warn("skipping unreadable journal entry", "id", e.ID, "error", err)
				break
			}
			l.applyMessage(msg)
		case store.JournalCommand:
			var cmd Command
			if err := json.Unmarshal(e.Payload, &cmd); err != nil {
				l.logger.Warn("skipping unreadable journal entry", "id", e.ID, "error", err)
				break
			}
			if _, err := l.apply(ctx, cmd); err != nil {
				l.logger.Warn("replayed command failed", "command", cmd.Name, "id", cmd.ID, "error", err)
			}
		default:
			l.logger.Warn("skipping journal entry of unknown kind", "id", e.ID, "kind", e.Kind)
		}
		l.applied = append(l.applied, e.ID)
	}
	return len(entries), nil
}
