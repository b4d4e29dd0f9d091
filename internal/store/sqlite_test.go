package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_SessionRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Date(2025, 7, 20, 9, 30, 0, 0, time.UTC)
	sess := models.NewSession("u1", now)
	sess.State = models.StateSurveyPreventionBarriers
	sess.Registered = true
	sess.Answers.Name = models.Value("Ivan")
	sess.Answers.Age = models.Value(54)
	sess.Answers.HeartDanger = models.Value([]string{"pressure", "smoking"})
	sess.Answers.CheckupContent = models.Skipped[[]string]()
	sess.Drafts = map[string][]string{"prevention_barriers": {"time"}}
	sess.Progress = &models.InstrumentProgress{Instrument: models.InstrumentISI, Answers: []int{1}}

	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	got, err := s.LoadSession(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("LoadSession returned nil")
	}
	if got.State != models.StateSurveyPreventionBarriers || !got.Registered {
		t.Errorf("unexpected state/flags: %+v", got)
	}
	if age, _ := got.Answers.Age.Get(); age != 54 {
		t.Errorf("age = %d", age)
	}
	if hd, _ := got.Answers.HeartDanger.Get(); len(hd) != 2 || hd[1] != "smoking" {
		t.Errorf("heart_danger = %v", hd)
	}
	if !got.Answers.CheckupContent.IsSkipped() {
		t.Error("skip marker lost")
	}
	if got.Answers.Gender.Status() != models.FieldUnset {
		t.Error("unset field came back set")
	}
	if got.Drafts["prevention_barriers"][0] != "time" {
		t.Errorf("drafts = %v", got.Drafts)
	}
	if got.Progress != nil {
		t.Error("instrument progress should not be persisted")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestSQLiteStore_LoadMissingSession(t *testing.T) {
	s := newTestSQLiteStore(t)
	got, err := s.LoadSession(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil session, got %+v", got)
	}
}

func TestSQLiteStore_SaveOverwrites(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	sess := models.NewSession("u1", time.Now())
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	sess.State = models.StateCompleted
	sess.Completed = true
	sess.Answers.Risk = &models.RiskAssessment{Score: 5, Level: models.RiskModerate, Factors: 2}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession (update) failed: %v", err)
	}
	got, _ := s.LoadSession(ctx, "u1")
	if got.State != models.StateCompleted || got.Answers.Risk == nil || got.Answers.Risk.Level != models.RiskModerate {
		t.Errorf("update not applied: %+v", got)
	}
}

func seedAudience(t *testing.T, s *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	users := []struct {
		id                    string
		registered, completed bool
	}{
		{"a", true, true},
		{"b", true, false},
		{"c", false, false},
		{"d", true, true},
	}
	for _, u := range users {
		sess := models.NewSession(u.id, time.Now())
		sess.Registered = u.registered
		sess.Completed = u.completed
		if err := s.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession %s: %v", u.id, err)
		}
	}
}

func TestSQLiteStore_LoadAudience(t *testing.T) {
	s := newTestSQLiteStore(t)
	seedAudience(t, s)
	ctx := context.Background()

	tests := []struct {
		filter models.Audience
		want   []string
	}{
		{models.AudienceAll, []string{"a", "b", "d"}},
		{models.AudienceCompleted, []string{"a", "d"}},
		{models.AudienceUncompleted, []string{"b"}},
	}
	for _, tt := range tests {
		got, err := s.LoadAudience(ctx, tt.filter)
		if err != nil {
			t.Fatalf("LoadAudience(%s) failed: %v", tt.filter, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("LoadAudience(%s) = %v, want %v", tt.filter, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("LoadAudience(%s) = %v, want %v", tt.filter, got, tt.want)
				break
			}
		}
	}
	if _, err := s.LoadAudience(ctx, "vip"); err == nil {
		t.Error("expected error for unknown audience")
	}
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	done := models.NewSession("done", time.Now())
	done.Registered, done.SurveyCompleted, done.Completed = true, true, true
	done.Answers.Results = map[models.InstrumentID]models.ScoredResult{
		models.InstrumentHADS: {
			Instrument: models.InstrumentHADS,
			Subscales: []models.SubscaleScore{
				{ID: "anxiety", Score: 12, Level: "clinical"},
				{ID: "depression", Score: 4, Level: "none"},
			},
		},
		models.InstrumentStopBang: {Instrument: models.InstrumentStopBang, Score: 6, Level: "high"},
		models.InstrumentISI:      {Instrument: models.InstrumentISI, Score: 16, Level: "moderate"},
	}
	done.Answers.Risk = &models.RiskAssessment{Score: 7, Level: models.RiskHigh, Factors: 3}
	started := models.NewSession("started", time.Now())
	started.Registered = true

	for _, sess := range []*models.Session{done, started, models.NewSession("idle", time.Now())} {
		if err := s.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Registered != 2 || stats.SurveyCompleted != 1 || stats.Completed != 1 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.RiskDistribution[models.RiskHigh] != 1 || stats.RiskDistribution[models.RiskLow] != 0 {
		t.Errorf("risk distribution = %v", stats.RiskDistribution)
	}
	if stats.AnxietyClinical != 1 || stats.DepressionClin != 0 || stats.ApneaHighRisk != 1 || stats.InsomniaModerate != 1 {
		t.Errorf("clinical counts = %+v", stats)
	}
}

func TestSQLiteStore_ActivityLog(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, action := range []string{"registered", "age_entered", "hads_completed"} {
		if err := s.AppendActivityLog(ctx, "u1", action, ""); err != nil {
			t.Fatalf("AppendActivityLog failed: %v", err)
		}
	}
	if err := s.AppendActivityLog(ctx, "u2", "registered", "via contact"); err != nil {
		t.Fatalf("AppendActivityLog failed: %v", err)
	}
	entries, err := s.ListActivity(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("ListActivity failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "hads_completed" || entries[1].Action != "age_entered" {
		t.Errorf("entries = %+v", entries)
	}
	other, _ := s.ListActivity(ctx, "u2", 10)
	if len(other) != 1 || other[0].Details != "via contact" {
		t.Errorf("u2 entries = %+v", other)
	}
}

func TestSQLiteStore_LedgerSurvivesReopen(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "ledger.db")
	ctx := context.Background()
	at := time.Date(2025, 8, 3, 8, 2, 0, 0, time.UTC)

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	first, err := s1.MarkReminderSent(ctx, "webinar", "one_hour", at)
	if err != nil || !first {
		t.Fatalf("MarkReminderSent = %v, %v", first, err)
	}
	again, _ := s1.MarkReminderSent(ctx, "webinar", "one_hour", at.Add(2*time.Minute))
	if again {
		t.Error("second mark should report already sent")
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	sent, err := s2.SentReminders(ctx, "webinar")
	if err != nil {
		t.Fatalf("SentReminders failed: %v", err)
	}
	if got, ok := sent["one_hour"]; !ok || !got.Equal(at) {
		t.Errorf("ledger after reopen = %v", sent)
	}
	other, _ := s2.SentReminders(ctx, "other-event")
	if len(other) != 0 {
		t.Errorf("ledger leaked across events: %v", other)
	}
}

func TestSQLiteStore_BroadcastAndDeadLetters(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := models.BroadcastLog{
		ID: "b1", ReminderID: "one_day", Message: "Tomorrow!", Audience: models.AudienceAll,
		Total: 3, Sent: 2, Failed: 1, CreatedAt: time.Now(),
	}
	if err := s.AddBroadcastLog(ctx, entry); err != nil {
		t.Fatalf("AddBroadcastLog failed: %v", err)
	}
	logs, err := s.ListBroadcastLogs(ctx, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("ListBroadcastLogs = %v, %v", logs, err)
	}
	if logs[0].Failed != 1 || logs[0].Audience != models.AudienceAll {
		t.Errorf("broadcast log = %+v", logs[0])
	}

	dl := models.DeadLetter{ID: "d1", UserID: "u1", Operation: "save_session", Payload: `{"user_id":"u1"}`, Error: "disk full"}
	if err := s.AddDeadLetter(ctx, dl); err != nil {
		t.Fatalf("AddDeadLetter failed: %v", err)
	}
	dls, err := s.ListDeadLetters(ctx, 10)
	if err != nil || len(dls) != 1 || dls[0] != dl {
		t.Errorf("ListDeadLetters = %+v, %v", dls, err)
	}
}

func TestSQLiteStore_DedupRepo(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	isNew, err := s.RecordInbound(ctx, "msg-1", "u1")
	if err != nil || !isNew {
		t.Fatalf("first RecordInbound = %v, %v", isNew, err)
	}
	isNew, err = s.RecordInbound(ctx, "msg-1", "u1")
	if err != nil {
		t.Fatalf("second RecordInbound failed: %v", err)
	}
	if isNew {
		t.Error("redelivered message reported as new")
	}
	dup, err := s.IsDuplicate(ctx, "msg-1")
	if err != nil || !dup {
		t.Errorf("IsDuplicate = %v, %v", dup, err)
	}
	if err := s.MarkProcessed(ctx, "msg-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	n, err := s.PruneInbound(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Errorf("PruneInbound = %d, %v", n, err)
	}
	dup, _ = s.IsDuplicate(ctx, "msg-1")
	if dup {
		t.Error("pruned message still reported as duplicate")
	}
}

func TestOpenPicksSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "open.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*SQLiteStore); !ok {
		t.Errorf("Open returned %T", st)
	}
}
