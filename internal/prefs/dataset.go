package prefs

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/observability"
)

// MetaDefaults are the run-wide fields copied into every meta record.
type MetaDefaults struct {
	Suite       string
	Model       string
	Temperature float32
	BaseSeed    int
}

// Dataset is the preference data produced from one suite run.
type Dataset struct {
	Pairs []schemas.PreferencePairRecord
	Metas []schemas.PreferenceMeta
	// NoContrast lists tasks whose rollouts could not be ranked apart.
	NoContrast []string
}

// Builder reduces grouped rollout outcomes to preference pairs.
type Builder struct {
	logger  *zap.Logger
	meta    MetaDefaults
	metrics *observability.RolloutMetrics
}

// NewBuilder creates a builder. metrics may be nil.
func NewBuilder(logger *zap.Logger, meta MetaDefaults, metrics *observability.RolloutMetrics) *Builder {
	if meta.Model == "" {
		meta.Model = "unknown"
	}
	return &Builder{logger: logger.Named("prefs"), meta: meta, metrics: metrics}
}

// Build forms at most one pair per task, in task order. Outcomes that carry an
// error score as failures and are counted as failed rollouts.
func (b *Builder) Build(tasks []schemas.TaskSpec, groups map[string][]schemas.RolloutOutcome, rollouts int) (Dataset, error) {
	ds := Dataset{
		Pairs:      []schemas.PreferencePairRecord{},
		Metas:      []schemas.PreferenceMeta{},
		NoContrast: []string{},
	}
	seen := make(map[string]bool, len(tasks))

	for _, task := range tasks {
		if seen[task.TaskID] {
			continue
		}
		seen[task.TaskID] = true

		// Errored rollouts are ranked as failures; they only differ from
		// completed ones in rollout_counts.
		group := groups[task.TaskID]
		failed := 0
		scores := make([]Score, len(group))
		for i, o := range group {
			if o.Error != "" {
				failed++
			}
			scores[i] = ScoreOutcome(o)
		}
		completed := len(group) - failed
		sel := SelectPair(scores)
		if !sel.HasContrast {
			b.logger.Info("[prefs] no contrast; skipping task",
				zap.String("task_id", task.TaskID),
				zap.Int("completed", completed),
				zap.Int("failed", failed))
			ds.NoContrast = append(ds.NoContrast, task.TaskID)
			b.count("no_contrast")
			continue
		}

		preferred, nonPreferred := group[sel.Preferred], group[sel.NonPreferred]
		pair, err := BuildPair(task.Goal, preferred, nonPreferred)
		if err != nil {
			return Dataset{}, err
		}
		ds.Pairs = append(ds.Pairs, pair)
		ds.Metas = append(ds.Metas, schemas.PreferenceMeta{
			TaskID:      task.TaskID,
			Suite:       b.meta.Suite,
			Model:       b.meta.Model,
			Temperature: b.meta.Temperature,
			Seed:        b.meta.BaseSeed,
			Scores: map[string]float64{
				"preferred":     sel.PreferredScore.Primary,
				"non_preferred": sel.NonPreferredScore.Primary,
			},
			TestsOK: map[string]bool{
				"preferred":     preferred.Passed(),
				"non_preferred": nonPreferred.Passed(),
			},
			TraceIDs: map[string]string{
				"preferred":     preferred.RunID,
				"non_preferred": nonPreferred.RunID,
			},
			RolloutCounts: map[string]int{
				"total":     rollouts,
				"completed": completed,
				"failed":    failed,
			},
		})
		b.count("pair")

		b.logger.Info("[prefs] selected pair",
			zap.String("task_id", task.TaskID),
			zap.Int("preferred_rollout", preferred.RolloutIndex),
			zap.Float64("preferred_score", sel.PreferredScore.Primary),
			zap.Int("non_preferred_rollout", nonPreferred.RolloutIndex),
			zap.Float64("non_preferred_score", sel.NonPreferredScore.Primary))
	}
	return ds, nil
}

func (b *Builder) count(result string) {
	if b.metrics != nil {
		b.metrics.Pairs.WithLabelValues(result).Inc()
	}
}
