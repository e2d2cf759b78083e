package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"clipline/internal/domain"
	"clipline/internal/events"
	"clipline/internal/renderapi"
	"clipline/internal/timeline"
)

const (
	// PollInterval is how often a render job is polled.
	PollInterval = 5 * time.Second
	// MaxPollAttempts caps polling; a job still unfinished after this many
	// polls is marked timed out and never resubmitted automatically.
	MaxPollAttempts = 60
)

// BuildTimeline returns the current edit for a project.
func (e *Engine) BuildTimeline(ctx context.Context, projectID string) (timeline.Edit, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return timeline.Edit{}, err
	}
	return timeline.BuildEdit(p), nil
}

// SubmitRender builds the project's edit, posts it to the render service and
// records a render job for the poller to drive.
func (e *Engine) SubmitRender(ctx context.Context, projectID, actorID string) (domain.RenderJob, error) {
	release, err := e.acquire()
	if err != nil {
		return domain.RenderJob{}, err
	}
	defer release()

	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.RenderJob{}, err
	}
	edit := timeline.BuildEdit(p)

	now := e.now().UTC().Format(time.RFC3339)
	job := domain.RenderJob{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		Status:    domain.RenderSubmitting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	renderID, err := e.Render.Submit(ctx, edit)
	if err != nil {
		return domain.RenderJob{}, fmt.Errorf("submit render: %w", err)
	}
	job.RenderID = renderID
	job.Status = domain.RenderRendering

	p.Status = "rendering"
	p.WorkflowStep = domain.StepAnalysis
	p.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RenderJob{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRenderJob(ctx, tx, job); err != nil {
		return domain.RenderJob{}, fmt.Errorf("insert render job: %w", err)
	}
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.RenderJob{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRenderSubmitted, p.ID, events.KindRenderJob, job.ID, actorID, events.EventPayload{
		"render_id": renderID, "tracks": len(edit.Timeline.Tracks),
	}); err != nil {
		return domain.RenderJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RenderJob{}, err
	}
	log.Printf("[render] project %s submitted as %s", p.ID, renderID)
	return job, nil
}

// PollRenderJob performs one status check for a job and persists the result.
// It is safe to call from both the server poller and the CLI wait loop.
func (e *Engine) PollRenderJob(ctx context.Context, jobID string) (domain.RenderJob, error) {
	job, err := e.Repo.GetRenderJob(ctx, jobID)
	if err != nil {
		return domain.RenderJob{}, err
	}
	if settled(job.Status) {
		return job, nil
	}
	job.Attempts++

	status, err := e.Render.RenderStatus(ctx, job.RenderID)
	if err != nil {
		// A status fetch that fails settles the job; it is never
		// resubmitted automatically.
		log.Printf("[render] poll %s: %v", job.RenderID, err)
		return e.finishRenderJob(ctx, job, domain.RenderFailed, "", err.Error())
	}

	job.Progress = status.Progress
	switch status.State {
	case renderapi.StateDone:
		return e.finishRenderJob(ctx, job, domain.RenderDone, status.URL, "")
	case renderapi.StateFailed:
		return e.finishRenderJob(ctx, job, domain.RenderFailed, "", status.Error)
	default:
		if job.Attempts >= MaxPollAttempts {
			return e.finishRenderJob(ctx, job, domain.RenderTimeout, "", "")
		}
		return e.updateRenderJob(ctx, job)
	}
}

// WaitForRender drives PollRenderJob until the job settles. Used by the CLI;
// the HTTP server runs the same loop from its background poller tick by tick.
func (e *Engine) WaitForRender(ctx context.Context, jobID string) (domain.RenderJob, error) {
	for {
		job, err := e.PollRenderJob(ctx, jobID)
		if err != nil {
			return domain.RenderJob{}, err
		}
		if settled(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return domain.RenderJob{}, ctx.Err()
		default:
		}
		e.sleep(PollInterval)
	}
}

func settled(status string) bool {
	switch status {
	case domain.RenderDone, domain.RenderFailed, domain.RenderTimeout:
		return true
	}
	return false
}

func (e *Engine) updateRenderJob(ctx context.Context, job domain.RenderJob) (domain.RenderJob, error) {
	job.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RenderJob{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRenderJob(ctx, tx, job); err != nil {
		return domain.RenderJob{}, err
	}
	return job, tx.Commit()
}

// finishRenderJob settles a job and updates the owning project in the same
// transaction.
func (e *Engine) finishRenderJob(ctx context.Context, job domain.RenderJob, status, videoURL, errMsg string) (domain.RenderJob, error) {
	now := e.now().UTC().Format(time.RFC3339)
	job.Status = status
	job.VideoURL = videoURL
	job.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RenderJob{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateRenderJob(ctx, tx, job); err != nil {
		return domain.RenderJob{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, job.ProjectID)
	if err != nil {
		return domain.RenderJob{}, err
	}
	switch status {
	case domain.RenderDone:
		p.FinalVideoURL = videoURL
		p.Status = "ready"
		p.WorkflowStep = domain.StepLaunch
	default:
		p.Status = "failed"
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.RenderJob{}, err
	}
	payload := events.EventPayload{"status": status, "attempts": job.Attempts}
	if videoURL != "" {
		payload["video_url"] = videoURL
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := e.Events.Append(ctx, tx, events.RenderSettledType(status), job.ProjectID, events.KindRenderJob, job.ID, "system", payload); err != nil {
		return domain.RenderJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RenderJob{}, err
	}
	log.Printf("[render] job %s settled: %s", job.ID, status)
	return job, nil
}
