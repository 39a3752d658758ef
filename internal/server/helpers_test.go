package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/attachment"
	"github.com/mohammad-safakhou/council/internal/catalog"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/provider/openrouter"
	"github.com/mohammad-safakhou/council/internal/store"
)

// memStore keeps conversations in memory and doubles as the run recorder.
type memStore struct {
	mu    sync.Mutex
	convs map[string]*store.Conversation
}

func newMemStore() *memStore { return &memStore{convs: map[string]*store.Conversation{}} }

func (m *memStore) CreateConversation(context.Context) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &store.Conversation{ID: uuid.NewString(), CreatedAt: time.Now(), Title: store.DefaultTitle, Messages: []store.Message{}}
	m.convs[c.ID] = c
	return *c, nil
}

func (m *memStore) ListConversations(context.Context) ([]store.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.ConversationSummary{}
	for _, c := range m.convs {
		out = append(out, store.ConversationSummary{ID: c.ID, CreatedAt: c.CreatedAt, Title: c.Title, MessageCount: len(c.Messages)})
	}
	return out, nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	cp := *c
	cp.Messages = append([]store.Message(nil), c.Messages...)
	return cp, nil
}

func (m *memStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.convs, id)
	return nil
}

func (m *memStore) AppendUserMessage(_ context.Context, id, content string, files []attachment.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Messages = append(c.Messages, store.Message{Role: store.RoleUser, Content: content, Attachments: files})
	return nil
}

func (m *memStore) AppendAssistantMessage(_ context.Context, id string, msg council.AssistantMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	stage3 := msg.Stage3
	meta := msg.Metadata
	c.Messages = append(c.Messages, store.Message{Role: store.RoleAssistant, Stage1: msg.Stage1, Stage2: msg.Stage2, Stage3: &stage3, Metadata: &meta})
	return nil
}

func (m *memStore) SetTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Title = title
	return nil
}

// scriptedInvoker answers every prompt; title prompts get a fixed title.
type scriptedInvoker struct {
	mu      sync.Mutex
	queries []string
}

func (s *scriptedInvoker) Invoke(_ context.Context, agent string, messages []council.Message) (council.Response, error) {
	content := messages[len(messages)-1].Content
	s.mu.Lock()
	s.queries = append(s.queries, content)
	s.mu.Unlock()
	if strings.Contains(content, "Generate a very short title") {
		return council.Response{Content: "Tidal Forces"}, nil
	}
	return council.Response{Content: "answer from " + agent + "\nFINAL RANKING:\n1. Response B\n2. Response A"}, nil
}

func (s *scriptedInvoker) sawQueryContaining(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queries {
		if strings.Contains(q, sub) {
			return true
		}
	}
	return false
}

type failingLister struct{}

func (failingLister) ListModels(context.Context) ([]openrouter.Model, error) {
	return nil, io.ErrUnexpectedEOF
}

type testServer struct {
	e       *echo.Echo
	store   *memStore
	invoker *scriptedInvoker
}

func newTestServer(t *testing.T, secret []byte) *testServer {
	t.Helper()
	st := newMemStore()
	inv := &scriptedInvoker{}
	quiet := log.New(io.Discard, "", 0)
	orch := council.NewOrchestrator(council.Options{
		Invoker:         inv,
		Titler:          &council.ModelTitler{Invoker: inv, Model: "titler"},
		Recorder:        st,
		Logger:          quiet,
		DefaultAgents:   []string{"m1", "m2"},
		DefaultChairman: "m1",
		PollInterval:    10 * time.Millisecond,
	})
	e := New(Deps{
		Config:  config.ServerConfig{MaxUploadBytes: 1 << 20},
		Store:   st,
		Council: orch,
		Catalog: catalog.New(failingLister{}, nil, time.Minute, []string{"m1", "m2"}, "m1"),
		Secret:  secret,
	})
	e.Logger.SetOutput(io.Discard)
	return &testServer{e: e, store: st, invoker: inv}
}

// readEvents parses an SSE body into events, skipping comments.
func readEvents(t *testing.T, body string) []council.Event {
	t.Helper()
	var out []council.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev council.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []council.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Type))
	}
	return out
}
