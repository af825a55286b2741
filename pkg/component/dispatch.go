package component

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/protocol"
)

// Dispatch invokes action on a component owned by connectionID. It never
// panics and never returns an error value; failures are in the Result.
func (r *Registry) Dispatch(ctx context.Context, connectionID, componentID, action string, payload json.RawMessage) Result {
	start := time.Now()

	inst, err := r.Owned(connectionID, componentID)
	if err != nil {
		return r.finishDispatch(nil, componentID, action, start, Failed(err))
	}
	if err := CheckCallable(inst.def, action); err != nil {
		return r.finishDispatch(inst, componentID, action, start, Failed(err))
	}
	if inst.Phase() != PhaseMounted {
		return r.finishDispatch(inst, componentID, action, start, Failed(
			protocol.Errorf(protocol.CodeComponentNotFound, "component %q is %s", componentID, inst.Phase())))
	}

	ctx, span := r.tracer.Start(ctx, "livesync.dispatch "+inst.def.Name+"."+action,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("livesync.component.type", inst.def.Name),
			attribute.String("livesync.component.id", componentID),
			attribute.String("livesync.action", action),
			attribute.String("livesync.connection_id", connectionID),
		),
	)
	defer span.End()

	r.bus.Emit(debugbus.EventActionCall, componentID, map[string]any{
		"action":  action,
		"type":    inst.def.Name,
		"payload": payload,
	})

	value, err := r.invoke(&ActionContext{ctx: ctx, inst: inst, reg: r}, inst.def.Actions[action], payload)
	var res Result
	if err != nil {
		if protocol.CodeOf(err) == protocol.CodeInternal {
			err = protocol.NewError(protocol.CodeActionFailed, err.Error())
		}
		res = Failed(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		res = Result{OK: true, Value: value}
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Bool("livesync.success", res.OK))
	return r.finishDispatch(inst, componentID, action, start, res)
}

func (r *Registry) invoke(actx *ActionContext, fn ActionFunc, payload json.RawMessage) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("action panic",
				"component_id", actx.inst.id,
				"type", actx.inst.def.Name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			value = nil
			err = fmt.Errorf("action panicked: %v", p)
		}
	}()
	return fn(actx, payload)
}

func (r *Registry) finishDispatch(inst *Instance, componentID, action string, start time.Time, res Result) Result {
	res.Elapsed = time.Since(start)
	typeName := ""
	if inst != nil {
		typeName = inst.def.Name
	}

	if res.OK {
		r.bus.Emit(debugbus.EventActionResult, componentID, map[string]any{
			"action":     action,
			"durationMs": float64(res.Elapsed.Microseconds()) / 1000,
			"result":     res.Value,
		})
	} else {
		r.logger.Debug("action failed", "component_id", componentID, "action", action, "code", res.Code, "error", res.Err)
		r.bus.Emit(debugbus.EventActionError, componentID, map[string]any{
			"action":     action,
			"durationMs": float64(res.Elapsed.Microseconds()) / 1000,
			"code":       string(res.Code),
			"error":      res.Err.Error(),
		})
	}
	if r.onDispatch != nil {
		r.onDispatch(typeName, action, res.Code, res.Elapsed)
	}
	return res
}
