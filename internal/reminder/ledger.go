package reminder

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Ledger records which reminders were already sent for an event.
type Ledger interface {
	// MarkReminderSent returns false if the reminder was already marked.
	MarkReminderSent(ctx context.Context, eventID, reminderID string, at time.Time) (bool, error)
	SentReminders(ctx context.Context, eventID string) (map[string]time.Time, error)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	sent map[string]map[string]time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{sent: make(map[string]map[string]time.Time)}
}

func (l *MemoryLedger) MarkReminderSent(_ context.Context, eventID, reminderID string, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.sent[eventID]
	if !ok {
		ev = make(map[string]time.Time)
		l.sent[eventID] = ev
	}
	if _, done := ev[reminderID]; done {
		return false, nil
	}
	ev[reminderID] = at
	return true, nil
}

func (l *MemoryLedger) SentReminders(_ context.Context, eventID string) (map[string]time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.sent[eventID]), nil
}
