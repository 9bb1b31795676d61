package run

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/parleylabs/parley/internal/agent"
	"github.com/parleylabs/parley/internal/engine"
	"github.com/parleylabs/parley/internal/gateway/event"
)

// routerRunID builds the short id used to correlate router runs in logs.
func routerRunID() string {
	return "rtr-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// DispatchRouter schedules a fire-and-forget classification pass over text
// with the router preset and memory disabled. The result, a JSON object
// produced by the router agent, is emitted verbatim as RouterResult; any
// failure becomes RouterResult{Operation:"ERROR"}.
//
// The router run rents from the same pool as main runs but carries a
// never-signalled cancel, so a user interrupt cannot kill a classification
// already in flight.
func (o *Orchestrator) DispatchRouter(ctx context.Context, em Emitter, text string, preset *agent.Preset) {
	id := routerRunID()
	go func() {
		result := o.routeOnce(ctx, id, text, preset)
		em.Emit(result)
	}()
}

func (o *Orchestrator) routeOnce(ctx context.Context, id, text string, preset *agent.Preset) event.RouterResult {
	eng, release, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Warn("router pool acquire failed", "router_id", id, "error", err)
		return event.RouterError(err.Error())
	}
	defer release()

	stream, err := eng.GenerateStream(ctx, engine.Request{
		Text:              text,
		SystemPromptPath:  preset.SystemPromptPath,
		SamplingOverrides: preset.ParamsOverride,
	}, engine.NeverCancel())
	if err != nil {
		o.logger.Warn("router stream start failed", "router_id", id, "error", err)
		return event.RouterError(err.Error())
	}
	defer stream.Close()

	out, err := stream.Collect(ctx)
	if err != nil {
		o.logger.Warn("router stream failed", "router_id", id, "error", err)
		return event.RouterError(err.Error())
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &obj); err != nil || obj == nil {
		o.logger.Warn("router output is not a JSON object", "router_id", id, "output_len", len(out))
		return event.RouterError("router output is not a JSON object")
	}

	o.logger.Debug("router result", "router_id", id)
	return event.RouterResult(obj)
}
