package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/council/internal/attachment"
	"github.com/mohammad-safakhou/council/internal/catalog"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/store"
)

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) newConversation(t *testing.T) string {
	t.Helper()
	rec := serve(ts.e, httptest.NewRequest(http.MethodPost, "/api/conversations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var c store.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return c.ID
}

type part struct {
	name, filename, contentType string
	body                        []byte
}

func multipartRequest(t *testing.T, url string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		var (
			w   io.Writer
			err error
		)
		if p.filename != "" {
			h := textproto.MIMEHeader{}
			h.Set("Content-Disposition", `form-data; name="`+p.name+`"; filename="`+p.filename+`"`)
			h.Set("Content-Type", p.contentType)
			w, err = mw.CreatePart(h)
		} else {
			w, err = mw.CreateFormField(p.name)
		}
		if err != nil {
			t.Fatalf("multipart part: %v", err)
		}
		_, _ = w.Write(p.body)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := serve(ts.e, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"service":"LLM Council API"`) {
		t.Fatalf("unexpected root response %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(ts.e, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %s", rec.Code, rec.Body.String())
	}
}

func TestConversationCRUD(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.newConversation(t)

	rec := serve(ts.e, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	var list []store.ConversationSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 || list[0].ID != id {
		t.Fatalf("unexpected list %s (%v)", rec.Body.String(), err)
	}

	rec = serve(ts.e, httptest.NewRequest(http.MethodGet, "/api/conversations/"+id, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"title":"New Conversation"`) {
		t.Fatalf("unexpected get %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(ts.e, httptest.NewRequest(http.MethodDelete, "/api/conversations/"+id, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"deleted"`) {
		t.Fatalf("unexpected delete %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(ts.e, httptest.NewRequest(http.MethodGet, "/api/conversations/"+id, nil))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), notFoundMessage) {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestStreamMessageFullSequence(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.newConversation(t)

	req := multipartRequest(t, "/api/conversations/"+id+"/message/stream",
		part{name: "content", body: []byte("Why are there two tides a day?")},
		part{name: "selected_agents", body: []byte(`["m2","m1"]`)},
		part{name: "chairman_model", body: []byte("m2")},
		part{name: "files", filename: "notes.md", contentType: "text/markdown", body: []byte("moon pulls water")},
		part{name: "files", filename: "photo.png", contentType: "image/png", body: []byte{0x89, 'P', 'N', 'G', 0, 1}},
	)
	rec := serve(ts.e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := readEvents(t, rec.Body.String())
	want := []string{"stage1_start", "stage1_progress", "stage1_progress", "stage1_complete", "stage2_start", "stage2_complete", "stage3_start", "stage3_complete", "title_complete", "complete"}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected sequence %v", got)
	}
	if events[5].Metadata == nil || events[5].Metadata.LabelToModel["Response A"] != "m2" {
		t.Fatalf("labels must follow selection order: %+v", events[5].Metadata)
	}
	stage3, _ := events[7].Data.(map[string]any)
	if stage3["model"] != "m2" {
		t.Fatalf("chairman override ignored: %+v", events[7].Data)
	}

	if !ts.invoker.sawQueryContaining("moon pulls water") {
		t.Fatalf("query was not augmented with the text attachment")
	}
	conv, _ := ts.store.GetConversation(t.Context(), id)
	if conv.Title != "Tidal Forces" || len(conv.Messages) != 2 {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	user := conv.Messages[0]
	if user.Content != "Why are there two tides a day?" || len(user.Attachments) != 2 {
		t.Fatalf("unexpected user message %+v", user)
	}
	if user.Attachments[1].OmittedReason != attachment.OmittedBinary {
		t.Fatalf("png must be omitted as binary: %+v", user.Attachments[1])
	}
	if conv.Messages[1].Stage3 == nil || conv.Messages[1].Stage3.Model != "m2" {
		t.Fatalf("assistant message not stored: %+v", conv.Messages[1])
	}
}

func TestStreamMessageInvalidAgentsFallBack(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.newConversation(t)
	req := multipartRequest(t, "/api/conversations/"+id+"/message/stream",
		part{name: "content", body: []byte("hi")},
		part{name: "selected_agents", body: []byte(`not json`)},
	)
	events := readEvents(t, serve(ts.e, req).Body.String())
	if len(events) == 0 || events[0].Type != council.EventStage1Start {
		t.Fatalf("unexpected events %v", eventTypes(events))
	}
	start, _ := events[0].Data.(map[string]any)
	if start["total"] != float64(2) {
		t.Fatalf("expected the configured council of 2, got %+v", start)
	}
}

func TestStreamMessageValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	req := multipartRequest(t, "/api/conversations/2b1c0f3e-0d5e-4f59-8a8f-0a4b27d1c9e0/message/stream", part{name: "content", body: []byte("hi")})
	if rec := serve(ts.e, req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", rec.Code)
	}

	id := ts.newConversation(t)
	req = multipartRequest(t, "/api/conversations/"+id+"/message/stream", part{name: "content", body: []byte("  ")})
	if rec := serve(ts.e, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", rec.Code)
	}
	conv, _ := ts.store.GetConversation(t.Context(), id)
	if len(conv.Messages) != 0 {
		t.Fatalf("rejected input must not be stored")
	}
}

func TestSendMessageBlocking(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.newConversation(t)
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+id+"/message", strings.NewReader(`{"content":"hello council"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := serve(ts.e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	var msg council.AssistantMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msg.Stage1) != 2 || len(msg.Stage2) != 2 || msg.Stage3.Model != "m1" || len(msg.Metadata.AggregateRankings) != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}
	// both rankers put Response B (m2) first
	if msg.Metadata.AggregateRankings[0].Model != "m2" {
		t.Fatalf("unexpected aggregate %+v", msg.Metadata.AggregateRankings)
	}
}

func TestAPIRequiresTokenWhenSecretSet(t *testing.T) {
	ts := newTestServer(t, []byte("s3cret"))
	if rec := serve(ts.e, httptest.NewRequest(http.MethodGet, "/api/conversations", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := serve(ts.e, httptest.NewRequest(http.MethodGet, "/", nil)); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
}

func TestAgentsFallback(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := serve(ts.e, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	var listing catalog.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Agents) != 2 || listing.DefaultChairman != "m1" {
		t.Fatalf("unexpected listing %+v", listing)
	}
}
