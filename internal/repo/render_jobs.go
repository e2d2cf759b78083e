package repo

import (
	"context"
	"database/sql"

	"clipline/internal/domain"
)

func (r Repo) InsertRenderJob(ctx context.Context, tx *sql.Tx, j domain.RenderJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO render_jobs(id,project_id,render_id,status,progress,video_url,attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, nullable(j.RenderID), j.Status, j.Progress, nullable(j.VideoURL), j.Attempts, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) UpdateRenderJob(ctx context.Context, tx *sql.Tx, j domain.RenderJob) error {
	res, err := tx.ExecContext(ctx, `UPDATE render_jobs SET render_id=?, status=?, progress=?, video_url=?, attempts=?, updated_at=? WHERE id=?`,
		nullable(j.RenderID), j.Status, j.Progress, nullable(j.VideoURL), j.Attempts, j.UpdatedAt, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRenderJob(ctx context.Context, id string) (domain.RenderJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,render_id,status,progress,video_url,attempts,created_at,updated_at FROM render_jobs WHERE id=?`, id)
	return scanRenderJob(row.Scan)
}

// LatestRenderJob returns the most recent render job for a project, if any.
func (r Repo) LatestRenderJob(ctx context.Context, projectID string) (domain.RenderJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,render_id,status,progress,video_url,attempts,created_at,updated_at
FROM render_jobs WHERE project_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, projectID)
	return scanRenderJob(row.Scan)
}

// ActiveRenderJobs returns jobs still worth polling.
func (r Repo) ActiveRenderJobs(ctx context.Context) ([]domain.RenderJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,render_id,status,progress,video_url,attempts,created_at,updated_at
FROM render_jobs WHERE status IN (?,?) ORDER BY created_at ASC`, domain.RenderSubmitting, domain.RenderRendering)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RenderJob
	for rows.Next() {
		j, err := scanRenderJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func scanRenderJob(scan func(...any) error) (domain.RenderJob, error) {
	var j domain.RenderJob
	var renderID, videoURL sql.NullString
	err := scan(&j.ID, &j.ProjectID, &renderID, &j.Status, &j.Progress, &videoURL, &j.Attempts, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.RenderID = renderID.String
	j.VideoURL = videoURL.String
	return j, nil
}
