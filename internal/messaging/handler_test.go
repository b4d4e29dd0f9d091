package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/guard"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

type fakeService struct {
	mu      sync.Mutex
	actions chan models.Action
	texts   []string
	docs    []string
	failTo  string
}

func newFakeService() *fakeService {
	return &fakeService{actions: make(chan models.Action, 10)}
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(r string) (string, error) { return r, nil }
func (f *fakeService) Start(context.Context) error                               { return nil }
func (f *fakeService) Stop() error                                               { close(f.actions); return nil }
func (f *fakeService) Actions() <-chan models.Action                             { return f.actions }

func (f *fakeService) SendMessage(_ context.Context, to string, out models.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if to == f.failTo {
		return errors.New("undeliverable")
	}
	f.texts = append(f.texts, to+": "+out.Text)
	return nil
}

func (f *fakeService) SendDocument(_ context.Context, to, path, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, to+": "+path)
	return nil
}

func (f *fakeService) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type echoEngine struct {
	mu    sync.Mutex
	calls int
}

func (e *echoEngine) HandleAction(_ context.Context, a models.Action) ([]models.Outbound, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if a.Text == "docs" {
		return []models.Outbound{models.Text("here"), {Document: &models.Document{Path: "/m/a.pdf"}}}, nil
	}
	return []models.Outbound{models.Text("echo " + a.Text)}, nil
}

type memoryInbound struct {
	mu        sync.Mutex
	seen      map[string]bool
	processed map[string]bool
}

func newMemoryInbound() *memoryInbound {
	return &memoryInbound{seen: map[string]bool{}, processed: map[string]bool{}}
}

func (m *memoryInbound) RecordInbound(_ context.Context, id, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

func (m *memoryInbound) MarkProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] = true
	return nil
}

func TestHandler_ProcessSendsReplies(t *testing.T) {
	svc := newFakeService()
	engine := &echoEngine{}
	h := NewHandler(svc, guard.New(), engine)

	h.Process(context.Background(), models.NewTextAction("15550100", "docs"))
	if got := svc.sent(); len(got) != 1 || got[0] != "15550100: here" {
		t.Errorf("unexpected texts %v", got)
	}
	if len(svc.docs) != 1 || svc.docs[0] != "15550100: /m/a.pdf" {
		t.Errorf("unexpected documents %v", svc.docs)
	}
}

func TestHandler_DropsRedelivery(t *testing.T) {
	svc := newFakeService()
	engine := &echoEngine{}
	inbound := newMemoryInbound()
	h := NewHandler(svc, guard.New(), engine, WithInboundLog(inbound))

	a := models.NewTextAction("15550100", "hello")
	a.ID = "wamid-1"
	h.Process(context.Background(), a)
	h.Process(context.Background(), a)

	if engine.calls != 1 {
		t.Errorf("expected 1 engine call, got %d", engine.calls)
	}
	if !inbound.processed["wamid-1"] {
		t.Error("message not marked processed")
	}
}

func TestHandler_SendFailureDoesNotStop(t *testing.T) {
	svc := newFakeService()
	svc.failTo = "bad"
	h := NewHandler(svc, guard.New(), &echoEngine{})
	h.Process(context.Background(), models.NewTextAction("bad", "x"))
	h.Process(context.Background(), models.NewTextAction("good", "y"))
	if got := svc.sent(); len(got) != 1 || got[0] != "good: echo y" {
		t.Errorf("unexpected texts %v", got)
	}
}

func TestHandler_StartProcessesUntilClosed(t *testing.T) {
	svc := newFakeService()
	h := NewHandler(svc, guard.New(), &echoEngine{})
	done := make(chan error, 1)
	go func() { done <- h.Start(context.Background()) }()

	svc.actions <- models.NewTextAction("a", "one")
	svc.actions <- models.NewTextAction("b", "two")
	_ = svc.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop")
	}
	if got := svc.sent(); len(got) != 2 {
		t.Errorf("expected 2 replies after drain, got %v", got)
	}
}

func TestHandler_StartStopsOnCancel(t *testing.T) {
	h := NewHandler(newFakeService(), guard.New(), &echoEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not stop")
	}
}
