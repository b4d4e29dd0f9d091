package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// MsgPersistenceRetry is sent when an answer could not be saved.
const MsgPersistenceRetry = "Sorry, we could not save your answer. Please send it again in a moment."

// HandleAction loads the user's session, advances it, persists the result
// and logs the activity. It returns the messages to send.
//
// Once called it runs to completion even if ctx is cancelled; accepted
// actions are never abandoned half way.
func (e *Engine) HandleAction(ctx context.Context, a models.Action) ([]models.Outbound, error) {
	if e.opts.Sessions == nil {
		return nil, errors.New("flow engine has no session store")
	}
	ctx = context.WithoutCancel(ctx)
	start := e.now()
	defer func() {
		e.metrics.ObserveHandleLatency(a.Kind.String(), e.now().Sub(start))
	}()

	if a.IsAdmin() {
		return e.handleAdmin(ctx, a), nil
	}

	sess, err := e.opts.Sessions.Load(ctx, a.UserID)
	if err != nil {
		slog.Error("Engine.HandleAction: failed to load session", "userID", a.UserID, "error", err)
		return []models.Outbound{models.Text(MsgPersistenceRetry)}, fmt.Errorf("load session: %w", err)
	}
	from := sess.State

	t := e.Advance(sess, a)
	if t.Patch != nil {
		if err := e.opts.Sessions.Save(ctx, t.Patch); err != nil {
			slog.Error("Engine.HandleAction: failed to save session", "userID", a.UserID, "state", t.Next, "error", err)
			return []models.Outbound{models.Text(MsgPersistenceRetry)}, fmt.Errorf("save session: %w", err)
		}
	}
	for _, ev := range t.Events {
		if err := e.opts.Sessions.AppendActivity(ctx, a.UserID, ev.Action, ev.Details); err != nil {
			slog.Error("Engine.HandleAction: failed to append activity", "userID", a.UserID, "action", ev.Action, "error", err)
		}
	}

	if t.Next != from {
		e.metrics.ObserveTransition(string(from), string(t.Next))
		slog.Debug("Engine.HandleAction: transition", "userID", a.UserID, "from", from, "to", t.Next, "kind", a.Kind)
	}
	if t.Next == models.StateCompleted && from != models.StateCompleted && t.Patch != nil && t.Patch.Answers.Risk != nil {
		e.metrics.ObserveCompletion(string(t.Patch.Answers.Risk.Level))
	}
	return t.Outbound, nil
}

// handleAdmin answers operator commands. Non-admin senders get a neutral
// reply so the commands are not advertised.
func (e *Engine) handleAdmin(ctx context.Context, a models.Action) []models.Outbound {
	if !e.IsAdmin(a.UserID) {
		slog.Debug("Engine.handleAdmin: rejected non-admin", "userID", a.UserID, "command", a.Command, "data", a.Data)
		return []models.Outbound{models.Notice(msgAdminUnavailable)}
	}
	switch {
	case a.Command == "adminhelp":
		return []models.Outbound{models.Text(msgAdminHelp)}
	case a.Command == "stats" && e.opts.Stats != nil:
		stats, err := e.opts.Stats.Stats(ctx)
		if err != nil {
			slog.Error("Engine.handleAdmin: stats failed", "error", err)
			return []models.Outbound{models.Text("Failed to load statistics: " + err.Error())}
		}
		return []models.Outbound{models.Text(FormatStats(stats))}
	case a.Command == "broadcast" && e.opts.Broadcasts != nil:
		return e.handleBroadcast(ctx, a)
	}
	return []models.Outbound{models.Notice(msgAdminUnsupported)}
}

// handleBroadcast runs "/broadcast [audience] <text>" and
// "/broadcast test <text>". A test goes to the operators only and is
// reported when done; an audience broadcast runs in the background and
// its outcome lands in the broadcast log.
func (e *Engine) handleBroadcast(ctx context.Context, a models.Action) []models.Outbound {
	target, text := parseBroadcast(a.Text)
	if text == "" {
		return []models.Outbound{models.Notice(msgBroadcastUsage)}
	}
	out := models.Notice(text)

	if target == "test" {
		entry, err := e.opts.Broadcasts.SendTo(ctx, models.BroadcastTest, out, models.AudienceAdmins, e.opts.Admins)
		if err != nil {
			slog.Error("Engine.handleBroadcast: test broadcast failed", "userID", a.UserID, "error", err)
			return []models.Outbound{models.Text("Test broadcast failed: " + err.Error())}
		}
		return []models.Outbound{models.Text(fmt.Sprintf(msgTestBroadcastFmt, entry.Sent, entry.Failed))}
	}

	audience := models.Audience(target)
	slog.Info("Engine.handleBroadcast: starting", "userID", a.UserID, "audience", audience)
	go func() {
		if _, err := e.opts.Broadcasts.Broadcast(ctx, models.BroadcastCustom, out, audience); err != nil {
			slog.Error("Engine.handleBroadcast: broadcast failed", "audience", audience, "error", err)
		}
	}()
	return []models.Outbound{models.Text(fmt.Sprintf(msgBroadcastStartedFmt, audience))}
}

// parseBroadcast splits the command text into a target and the message.
// The target is "test", a known audience, or all when the first word is
// neither. Line breaks in the message are kept.
func parseBroadcast(text string) (target, msg string) {
	rest := strings.TrimSpace(text)
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		rest = strings.TrimSpace(rest[i:])
	} else {
		return "", ""
	}
	word := rest
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		word = rest[:i]
	}
	if w := strings.ToLower(word); w == "test" || models.Audience(w).Valid() {
		return w, strings.TrimSpace(rest[len(word):])
	}
	return string(models.AudienceAll), rest
}

// FormatStats renders operator statistics as chat text.
func FormatStats(s models.AdminStats) string {
	text := fmt.Sprintf("Statistics\n\nUsers: %d\nRegistered: %d\nSurvey completed: %d\nDiagnostics completed: %d\n",
		s.Total, s.Registered, s.SurveyCompleted, s.Completed)
	text += "\nRisk distribution:"
	for _, l := range models.RiskLevels {
		text += fmt.Sprintf("\n  %s: %d", l, s.RiskDistribution[l])
	}
	text += fmt.Sprintf("\n\nClinical findings:\n  HADS anxiety clinical: %d\n  HADS depression clinical: %d\n  STOP-BANG high risk: %d\n  ISI moderate or worse: %d",
		s.AnxietyClinical, s.DepressionClin, s.ApneaHighRisk, s.InsomniaModerate)
	return text
}
