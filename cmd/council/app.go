package main

import (
	"context"
	"log"

	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/cache"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/provider/openrouter"
	"github.com/mohammad-safakhou/council/internal/queue/streams"
	"github.com/redis/go-redis/v9"
)

// app is the wiring shared by the commands.
type app struct {
	cfg       *config.Config
	llm       *openrouter.Client
	rdb       *redis.Client
	publisher *streams.Publisher
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, llm: openrouter.New(cfg.LLM)}
	if cfg.Storage.Redis.Enabled() {
		rdb, err := cache.Conn(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		reg, err := streams.NewDefaultRegistry()
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		a.publisher = streams.NewPublisher(rdb, reg, cfg.Events.Stream, cfg.Events.MaxLen)
	} else {
		log.Printf("[COUNCIL] redis not configured: catalog cache, run events and retention lock disabled")
	}
	return a, nil
}

// orchestrator builds the run engine; recorder may be nil.
func (a *app) orchestrator(recorder council.Recorder) *council.Orchestrator {
	opts := council.Options{
		Invoker:         a.llm,
		Titler:          &council.ModelTitler{Invoker: a.llm, Model: a.cfg.LLM.TitleModel},
		Recorder:        recorder,
		DefaultAgents:   a.cfg.Council.Models,
		DefaultChairman: a.cfg.Council.Chairman,
		MaxConcurrent:   a.cfg.Council.MaxConcurrentAgents,
		PollInterval:    a.cfg.Council.DisconnectPollInterval,
		EventBuffer:     a.cfg.Council.EventBuffer,
	}
	if a.publisher != nil {
		opts.Observer = streams.NewRunObserver(a.publisher)
	}
	return council.NewOrchestrator(opts)
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
