package app

import (
	"context"
	"fmt"

	"github.com/yungbote/graphrecall/internal/data/cache"
	"github.com/yungbote/graphrecall/internal/data/graph"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/embedding"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/graphbuild"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/review"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/synthesis"
	"github.com/yungbote/graphrecall/internal/platform/logger"
	"github.com/yungbote/graphrecall/internal/services"
)

type Services struct {
	Graph     graph.Store
	Embedding *embedding.Index
	Resolver  *synthesis.Resolver
	Builder   *graphbuild.Builder
	Reviews   *review.Manager
	Knowledge services.KnowledgeService
}

func wireServices(ctx context.Context, log *logger.Logger, cfg Config, clients Clients, reposet Repos) (Services, error) {
	log.Info("Wiring services...")

	var store graph.Store
	if clients.Neo4j != nil {
		neo, err := graph.NewNeo4jStore(clients.Neo4j, log)
		if err != nil {
			return Services{}, fmt.Errorf("init graph store: %w", err)
		}
		if err := neo.EnsureSchema(ctx); err != nil {
			return Services{}, fmt.Errorf("graph schema: %w", err)
		}
		store = neo
	} else {
		store = graph.NewMemoryStore()
	}

	var (
		index    *embedding.Index
		embedder synthesis.Embedder
		adj      synthesis.Adjudicator
	)
	if clients.OpenAI != nil {
		var err error
		index, err = embedding.NewIndex(clients.OpenAI, cfg.Embedding.index(), log)
		if err != nil {
			return Services{}, fmt.Errorf("init embedding index: %w", err)
		}
		embedder = index
		if cfg.Synthesis.AdjudicatorEnabled {
			adj = synthesis.NewBreakerAdjudicator(
				synthesis.NewOpenAIAdjudicator(clients.OpenAI, log),
				cfg.Synthesis.breaker(),
				log,
			)
		}
	}

	var sessionCache cache.SessionCache
	if clients.Redis != nil {
		sessionCache = cache.NewRedisSessionCache(clients.Redis, cfg.Review.TTL, log)
	} else {
		sessionCache = cache.NewLocalSessionCache(cfg.Review.LocalCacheSize, cfg.Review.TTL, log)
	}

	mode, err := review.ParseMode(cfg.Review.Mode)
	if err != nil {
		return Services{}, err
	}

	resolver := synthesis.NewResolver(embedder, adj, cfg.Synthesis.resolver(), log)
	builder := graphbuild.NewBuilder(store, cfg.Graph.builder(), log)
	reviews := review.NewManager(reposet.ReviewSession, sessionCache, builder, review.Config{TTL: cfg.Review.TTL}, log)
	knowledgeSvc := services.NewKnowledgeService(log, store, embedder, resolver, builder, reviews, services.RoutingConfig{
		Mode:             mode,
		ReviewConfidence: cfg.Review.ReviewConfidence,
	})

	return Services{
		Graph:     store,
		Embedding: index,
		Resolver:  resolver,
		Builder:   builder,
		Reviews:   reviews,
		Knowledge: knowledgeSvc,
	}, nil
}
