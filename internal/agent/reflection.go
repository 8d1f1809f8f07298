// internal/agent/reflection.go
package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/action"
	"github.com/xkilldash9x/repoagent/internal/config"
	"github.com/xkilldash9x/repoagent/internal/ledger"
	"github.com/xkilldash9x/repoagent/internal/trace"
)

// ReflectionController gates, invokes and records reflection calls for one run.
type ReflectionController struct {
	logger      *zap.Logger
	model       Model
	ledger      *ledger.Ledger
	sink        trace.Sink
	cfg         config.ReflectionConfig
	progress    bool
	invocations int
}

// NewReflectionController creates a controller bound to one run's ledger and sink.
func NewReflectionController(logger *zap.Logger, model Model, led *ledger.Ledger, sink trace.Sink, cfg config.ReflectionConfig, progress bool) *ReflectionController {
	return &ReflectionController{
		logger:   logger.Named("reflection"),
		model:    model,
		ledger:   led,
		sink:     sink,
		cfg:      cfg,
		progress: progress,
	}
}

// Invocations returns how many reflection calls were made.
func (r *ReflectionController) Invocations() int { return r.invocations }

// ShouldReflect reports whether a reflection is warranted: a loop tripwire, a
// failed tool observation, or a failed test run. Successful steps only qualify
// when ReflectOnSuccess is set. The per-run cap is always enforced.
func (r *ReflectionController) ShouldReflect(loopTriggered bool, obs schemas.Observation, tests *schemas.Observation) bool {
	if !r.cfg.Enable || r.invocations >= r.cfg.MaxReflections {
		return false
	}
	switch {
	case loopTriggered:
		return true
	case !obs.OK:
		return true
	case tests != nil && !tests.OK:
		return true
	}
	return r.cfg.ReflectOnSuccess
}

// Run performs one reflection call. Failures become driver notes.
func (r *ReflectionController) Run(ctx context.Context, goal string, latest map[string]interface{}, t int) {
	r.invocations++

	summary := r.ledger.Summarize(r.sink.RunID())
	recent := r.ledger.ToPromptList(r.cfg.HistoryWindow)
	messages := CompileReflectionPrompt(goal, summary, recent, latest)
	r.sink.Log(trace.KindReflectionRequest, trace.Payload{"t": t, "messages": messages})
	r.report("[reflect] triggered; building reflection on latest observation", zap.Int("iter", t))

	reflection, err := r.model.Reflect(ctx, messages)
	if err != nil {
		note := "Reflection failed: " + err.Error()
		if action.IsReflectionParseError(err) {
			note = "Reflection parse failed: " + err.Error()
		}
		r.ledger.AppendDriverNote(note)
		r.sink.Log(trace.KindDriverNote, trace.Payload{"t": t, "note": note})
		r.logger.Warn("Reflection call failed", zap.Int("iter", t), zap.Error(err))
		return
	}

	added := r.ledger.AppendReflection(reflection, r.cfg.DedupWindow)
	r.sink.Log(trace.KindReflection, trace.Payload{"t": t, "reflection": reflection, "deduplicated": !added})
	r.report("[reflect] notes recorded",
		zap.Int("iter", t),
		zap.Strings("notes", reflection.Notes),
		zap.String("next_focus", reflection.NextFocus),
		zap.Bool("deduplicated", !added))
}

func (r *ReflectionController) report(msg string, fields ...zap.Field) {
	if r.progress {
		r.logger.Info(msg, fields...)
		return
	}
	r.logger.Debug(msg, fields...)
}
