package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// sessionRow is the column form of a session. InstrumentProgress is not
// persisted; it lives in the working copy only.
type sessionRow struct {
	answers   string
	drafts    sql.NullString
	riskLevel sql.NullString
	riskScore sql.NullInt64
}

func encodeSession(s *models.Session) (sessionRow, error) {
	var row sessionRow
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return row, fmt.Errorf("encode answers for %s: %w", s.UserID, err)
	}
	row.answers = string(answers)
	if len(s.Drafts) > 0 {
		drafts, err := json.Marshal(s.Drafts)
		if err != nil {
			return row, fmt.Errorf("encode drafts for %s: %w", s.UserID, err)
		}
		row.drafts = sql.NullString{String: string(drafts), Valid: true}
	}
	if r := s.Answers.Risk; r != nil {
		row.riskLevel = sql.NullString{String: string(r.Level), Valid: true}
		row.riskScore = sql.NullInt64{Int64: int64(r.Score), Valid: true}
	}
	return row, nil
}

// sessionColumns must match the scan order of scanSession.
const sessionColumns = `user_id, state, answers, drafts, registered, survey_completed, completed, created_at, updated_at`

func scanSession(r rowScanner) (*models.Session, error) {
	var (
		s       models.Session
		state   string
		answers string
		drafts  sql.NullString
	)
	if err := r.Scan(&s.UserID, &state, &answers, &drafts, &s.Registered, &s.SurveyCompleted, &s.Completed, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.State = models.State(state)
	if answers != "" {
		if err := json.Unmarshal([]byte(answers), &s.Answers); err != nil {
			return nil, fmt.Errorf("decode answers for %s: %w", s.UserID, err)
		}
	}
	if drafts.Valid && drafts.String != "" {
		if err := json.Unmarshal([]byte(drafts.String), &s.Drafts); err != nil {
			return nil, fmt.Errorf("decode drafts for %s: %w", s.UserID, err)
		}
	}
	return &s, nil
}

// statsColumns must match the scan order of statsAccumulator.scan.
const statsColumns = `registered, survey_completed, completed, risk_level, answers`

// statsAccumulator folds session rows into AdminStats. Both backends share it
// so their numbers agree.
type statsAccumulator struct {
	stats models.AdminStats
}

func newStatsAccumulator() *statsAccumulator {
	dist := make(map[models.RiskLevel]int, len(models.RiskLevels))
	for _, l := range models.RiskLevels {
		dist[l] = 0
	}
	return &statsAccumulator{stats: models.AdminStats{RiskDistribution: dist}}
}

func (a *statsAccumulator) scan(r rowScanner) error {
	var (
		registered, surveyCompleted, completed bool
		riskLevel                              sql.NullString
		answersJSON                            string
	)
	if err := r.Scan(&registered, &surveyCompleted, &completed, &riskLevel, &answersJSON); err != nil {
		return fmt.Errorf("scan stats row: %w", err)
	}
	a.stats.Total++
	if registered {
		a.stats.Registered++
	}
	if surveyCompleted {
		a.stats.SurveyCompleted++
	}
	if completed {
		a.stats.Completed++
		if riskLevel.Valid {
			a.stats.RiskDistribution[models.RiskLevel(riskLevel.String)]++
		}
	}
	if answersJSON == "" {
		return nil
	}
	var answers models.Answers
	if err := json.Unmarshal([]byte(answersJSON), &answers); err != nil {
		return fmt.Errorf("decode answers for stats: %w", err)
	}
	if hads, ok := answers.Results[models.InstrumentHADS]; ok {
		if s, ok := hads.Subscale("anxiety"); ok && s.Level == "clinical" {
			a.stats.AnxietyClinical++
		}
		if s, ok := hads.Subscale("depression"); ok && s.Level == "clinical" {
			a.stats.DepressionClin++
		}
	}
	if sb, ok := answers.Results[models.InstrumentStopBang]; ok && sb.Level == "high" {
		a.stats.ApneaHighRisk++
	}
	if isi, ok := answers.Results[models.InstrumentISI]; ok && (isi.Level == "moderate" || isi.Level == "severe") {
		a.stats.InsomniaModerate++
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryUserIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audience: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan audience row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audience rows: %w", err)
	}
	return ids, nil
}

func collectStats(ctx context.Context, q querier) (models.AdminStats, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+statsColumns+` FROM sessions`)
	if err != nil {
		return models.AdminStats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()
	acc := newStatsAccumulator()
	for rows.Next() {
		if err := acc.scan(rows); err != nil {
			return models.AdminStats{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return models.AdminStats{}, fmt.Errorf("failed to iterate stats rows: %w", err)
	}
	return acc.stats, nil
}

func scanActivity(rows *sql.Rows) ([]models.ActivityEntry, error) {
	defer rows.Close()
	var out []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		if err := rows.Scan(&e.UserID, &e.Action, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLedger(rows *sql.Rows) (map[string]time.Time, error) {
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		out[id] = at
	}
	return out, rows.Err()
}

func scanBroadcastLogs(rows *sql.Rows) ([]models.BroadcastLog, error) {
	defer rows.Close()
	var out []models.BroadcastLog
	for rows.Next() {
		var b models.BroadcastLog
		var audience string
		if err := rows.Scan(&b.ID, &b.ReminderID, &b.Message, &audience, &b.Total, &b.Sent, &b.Failed, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan broadcast row: %w", err)
		}
		b.Audience = models.Audience(audience)
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanDeadLetters(rows *sql.Rows) ([]models.DeadLetter, error) {
	defer rows.Close()
	var out []models.DeadLetter
	for rows.Next() {
		var d models.DeadLetter
		if err := rows.Scan(&d.ID, &d.UserID, &d.Operation, &d.Payload, &d.Error); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
