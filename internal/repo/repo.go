package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"clipline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,title,topic,platform,style_id,status,workflow_step,video_size,voice_id,
script_json,moodboard_json,voiceover_urls_json,assets_json,suggested_titles_json,final_video_url,created_at,updated_at`

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	scriptJSON, err := marshalNullable(p.Script)
	if err != nil {
		return err
	}
	moodboardJSON, err := marshalNullable(p.Moodboard)
	if err != nil {
		return err
	}
	voJSON, err := marshalNullable(p.VoiceoverURLs)
	if err != nil {
		return err
	}
	assetsJSON, err := marshalNullable(p.Assets)
	if err != nil {
		return err
	}
	titlesJSON, err := marshalNullable(p.SuggestedTitles)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,title,topic,platform,style_id,status,workflow_step,video_size,voice_id,
script_json,moodboard_json,voiceover_urls_json,assets_json,suggested_titles_json,final_video_url,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.Topic, nullable(p.Platform), nullable(p.StyleID), p.Status, p.WorkflowStep,
		nullable(p.VideoSize), nullable(p.VoiceID), scriptJSON, moodboardJSON, voJSON, assetsJSON, titlesJSON,
		nullable(p.FinalVideoURL), p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProject rewrites every mutable column. Callers load, mutate and save
// the whole aggregate; the last writer wins.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	scriptJSON, err := marshalNullable(p.Script)
	if err != nil {
		return err
	}
	moodboardJSON, err := marshalNullable(p.Moodboard)
	if err != nil {
		return err
	}
	voJSON, err := marshalNullable(p.VoiceoverURLs)
	if err != nil {
		return err
	}
	assetsJSON, err := marshalNullable(p.Assets)
	if err != nil {
		return err
	}
	titlesJSON, err := marshalNullable(p.SuggestedTitles)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET title=?, topic=?, platform=?, style_id=?, status=?, workflow_step=?,
video_size=?, voice_id=?, script_json=?, moodboard_json=?, voiceover_urls_json=?, assets_json=?, suggested_titles_json=?,
final_video_url=?, updated_at=? WHERE id=?`,
		p.Title, p.Topic, nullable(p.Platform), nullable(p.StyleID), p.Status, p.WorkflowStep,
		nullable(p.VideoSize), nullable(p.VoiceID), scriptJSON, moodboardJSON, voJSON, assetsJSON, titlesJSON,
		nullable(p.FinalVideoURL), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

type ProjectFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertQuality writes the display-only quality snapshot.
func (r Repo) UpsertQuality(ctx context.Context, tx *sql.Tx, projectID string, q domain.QualityScore) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET quality_json=? WHERE id=?`, string(payload), projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetQuality(ctx context.Context, projectID string) (domain.QualityScore, bool, error) {
	var payload sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT quality_json FROM projects WHERE id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.QualityScore{}, false, ErrNotFound
	}
	if err != nil {
		return domain.QualityScore{}, false, err
	}
	if !payload.Valid || payload.String == "" {
		return domain.QualityScore{}, false, nil
	}
	var q domain.QualityScore
	if err := json.Unmarshal([]byte(payload.String), &q); err != nil {
		return domain.QualityScore{}, false, err
	}
	return q, true, nil
}

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var platform, styleID, videoSize, voiceID, scriptJSON, moodboardJSON, voJSON, assetsJSON, titlesJSON, finalURL sql.NullString
	err := scan(&p.ID, &p.Title, &p.Topic, &platform, &styleID, &p.Status, &p.WorkflowStep, &videoSize, &voiceID,
		&scriptJSON, &moodboardJSON, &voJSON, &assetsJSON, &titlesJSON, &finalURL, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Platform = platform.String
	p.StyleID = styleID.String
	p.VideoSize = videoSize.String
	p.VoiceID = voiceID.String
	p.FinalVideoURL = finalURL.String
	if scriptJSON.Valid && scriptJSON.String != "" {
		var s domain.Script
		if err := json.Unmarshal([]byte(scriptJSON.String), &s); err != nil {
			return p, fmt.Errorf("decode script for project %s: %w", p.ID, err)
		}
		s.ClampHookSelection()
		p.Script = &s
	}
	if err := unmarshalNullable(moodboardJSON, &p.Moodboard); err != nil {
		return p, err
	}
	if err := unmarshalNullable(voJSON, &p.VoiceoverURLs); err != nil {
		return p, err
	}
	if err := unmarshalNullable(assetsJSON, &p.Assets); err != nil {
		return p, err
	}
	if err := unmarshalNullable(titlesJSON, &p.SuggestedTitles); err != nil {
		return p, err
	}
	return p, nil
}

func marshalNullable(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *domain.Script:
		return t == nil
	case []string:
		return len(t) == 0
	case map[string]string:
		return len(t) == 0
	case map[string]domain.SceneAsset:
		return len(t) == 0
	default:
		return false
	}
}

func unmarshalNullable(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
