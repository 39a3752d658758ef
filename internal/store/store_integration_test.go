package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/council/internal/attachment"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/store"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestConversationLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("council"),
		tcPostgres.WithUsername("council"),
		tcPostgres.WithPassword("council"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://council:council@%s:%s/council?sslmode=disable", host, port.Port())

	if err := store.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := store.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("second migrate must be a no-op: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	conv, err := st.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	files := []attachment.Attachment{attachment.New("notes.md", "text/markdown", []byte("# hi"))}
	if err := st.AppendUserMessage(ctx, conv.ID, "summarize", files); err != nil {
		t.Fatalf("append user: %v", err)
	}
	msg := council.AssistantMessage{
		Stage1:   []council.Stage1Result{{Model: "m1", Response: "r1"}},
		Stage2:   []council.Stage2Ranking{{Model: "m1", Ranking: "FINAL RANKING:\n1. Response A", ParsedRanking: []string{"Response A"}}},
		Stage3:   council.Stage3Result{Model: "chair", Response: "final"},
		Metadata: council.Metadata{LabelToModel: map[string]string{"Response A": "m1"}, AggregateRankings: []council.AggregateRanking{{Model: "m1", AverageRank: 1, RankingsCount: 1}}},
	}
	if err := st.AppendAssistantMessage(ctx, conv.ID, msg); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if err := st.SetTitle(ctx, conv.ID, "Summaries"); err != nil {
		t.Fatalf("set title: %v", err)
	}

	got, err := st.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Summaries" || len(got.Messages) != 2 {
		t.Fatalf("unexpected conversation %+v", got)
	}
	if got.Messages[0].Attachments[0].Content != "# hi" || got.Messages[1].Stage3.Response != "final" {
		t.Fatalf("messages not round tripped: %+v", got.Messages)
	}

	list, err := st.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].MessageCount != 2 {
		t.Fatalf("unexpected list %+v", list)
	}

	deleted, err := st.DeleteConversationsBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("retention delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := st.GetConversation(ctx, conv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
