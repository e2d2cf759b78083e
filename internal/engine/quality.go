package engine

import (
	"context"

	"clipline/internal/domain"
	"clipline/internal/events"
	"clipline/internal/score"
)

// ScoreProject recomputes quality scores from the current project state and
// stores the snapshot for display.
func (e *Engine) ScoreProject(ctx context.Context, projectID, actorID string) (domain.QualityScore, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.QualityScore{}, err
	}
	q := score.Compute(p)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QualityScore{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertQuality(ctx, tx, p.ID, q); err != nil {
		return domain.QualityScore{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectScored, p.ID, events.KindProject, p.ID, actorID, events.EventPayload{
		"script": q.Script, "visual": q.Visual, "viral": q.Viral, "overall": q.Overall,
	}); err != nil {
		return domain.QualityScore{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QualityScore{}, err
	}
	return q, nil
}
