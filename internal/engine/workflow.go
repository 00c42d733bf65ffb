package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// TransitionStage moves a record to another workflow stage by appending a
// version tagged with the new stage; the primary row is not touched. A
// scheduledAt in the future queues the transition instead and returns the
// record unchanged.
func (c *Collection) TransitionStage(ctx context.Context, id any, to string, scheduledAt *time.Time, oc OpContext) (map[string]any, error) {
	ctx, span := c.startSpan(ctx, "transition")
	defer span.End()

	row, err := c.transitionStage(ctx, id, to, scheduledAt, oc)
	if err != nil {
		return nil, c.fail(span, translateError(c.dialect, c.entity.Name, err))
	}
	span.SetStatus("ok")
	return row, nil
}

func (c *Collection) transitionStage(ctx context.Context, id any, to string, scheduledAt *time.Time, oc OpContext) (map[string]any, error) {
	if !c.entity.WorkflowEnabled() {
		return nil, NotImplemented(c.entity.Name, "workflow")
	}
	wf := c.entity.Workflow
	if !wf.HasStage(to) {
		return nil, BadRequest("unknown stage %q", to)
	}
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	key, err := coerceID(c.entity, id)
	if err != nil {
		return nil, err
	}
	ctx, flush := c.withOutbox(ctx)
	defer flush()
	db := c.engine.store.DB
	row, err := c.loadRow(ctx, db, oc, key, false)
	if err != nil {
		return nil, err
	}
	if err := c.enforceRow(ctx, metadata.OpTransition, oc, row, map[string]any{"to": to}); err != nil {
		return nil, err
	}

	if scheduledAt != nil && scheduledAt.After(c.now()) {
		return c.scheduleTransition(ctx, key, to, *scheduledAt, oc, row)
	}

	var from string
	err = c.engine.store.InTx(ctx, func(tx *store.Tx) error {
		heads, err := c.latestVersions(ctx, tx, []any{key})
		if err != nil {
			return err
		}
		head, ok := heads[keyString(key)]
		from = c.currentStage(head, ok)

		t := wf.FindTransition(from, to)
		if t == nil {
			return BadRequest("transition from %s to %s is not allowed", from, to)
		}
		if !oc.IsSystem() && len(t.Roles) > 0 && (oc.Session == nil || !hasRoleIntersection(oc.Session.Roles, t.Roles)) {
			return Forbidden(metadata.OpTransition, c.entity.Name, fmt.Sprintf("missing role for %s -> %s", from, to))
		}
		if err := c.checkGuard(t, row, oc, from, to); err != nil {
			return err
		}

		hc := c.hookContext(metadata.OpTransition, oc, tx)
		hc.Data = row
		hc.FromStage, hc.ToStage = from, to
		if err := runHooks(ctx, "before_transition", c.entity.Hooks.BeforeTransition, hc); err != nil {
			return err
		}
		if err := c.writeVersions(ctx, tx, oc, []versionWrite{{id: key, operation: "update", stage: to, fromStage: from}}); err != nil {
			return err
		}
		row[metadata.StageKey] = to
		if err := runHooks(ctx, "after_transition", c.entity.Hooks.AfterTransition, hc); err != nil {
			return err
		}
		return c.recordChange(ctx, tx, "transition", key, map[string]any{"from": from, "to": to})
	})
	if err != nil {
		return nil, err
	}

	if err := c.output(ctx, oc, []map[string]any{row}); err != nil {
		return nil, err
	}
	return row, nil
}

// checkGuard runs the transition's guard expression.
func (c *Collection) checkGuard(t *metadata.Transition, row map[string]any, oc OpContext, from, to string) error {
	prog, ok := t.CompiledGuard.(*vm.Program)
	if !ok || prog == nil {
		return nil
	}
	env := map[string]any{
		"record":  row,
		"session": sessionEnv(oc.Session),
		"from":    from,
		"to":      to,
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return BadRequest("transition guard failed: %v", err)
	}
	if passed, _ := out.(bool); !passed {
		return BadRequest("transition from %s to %s is blocked by its guard", from, to)
	}
	return nil
}

func (c *Collection) scheduleTransition(ctx context.Context, key any, to string, at time.Time, oc OpContext, row map[string]any) (map[string]any, error) {
	pub := c.engine.opts.Publisher
	if pub == nil {
		return nil, NotImplemented(c.entity.Name, "scheduled transitions")
	}
	job := Job{
		Kind: JobTransition,
		Payload: map[string]any{
			"collection": c.entity.Name,
			"id":         key,
			"to":         to,
			"locale":     oc.Locale,
		},
	}
	if err := pub.Publish(ctx, job, PublishOptions{StartAfter: at}); err != nil {
		return nil, fmt.Errorf("schedule transition: %w", err)
	}
	c.engine.logger.Info("transition scheduled",
		zap.String("collection", c.entity.Name),
		zap.String("id", keyString(key)),
		zap.String("to", to),
		zap.Time("at", at))

	if err := c.attachStages(ctx, c.engine.store.DB, []map[string]any{row}); err != nil {
		return nil, err
	}
	if err := c.output(ctx, oc, []map[string]any{row}); err != nil {
		return nil, err
	}
	return row, nil
}
