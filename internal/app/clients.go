package app

import (
	"context"
	"fmt"

	"github.com/yungbote/graphrecall/internal/platform/logger"
	"github.com/yungbote/graphrecall/internal/platform/neo4jdb"
	"github.com/yungbote/graphrecall/internal/platform/openai"
	"github.com/yungbote/graphrecall/internal/platform/redisx"
)

// Clients holds external connections. Any of them may be nil when not configured;
// wiring falls back to in-process implementations.
type Clients struct {
	Neo4j  *neo4jdb.Client
	Redis  *redisx.Client
	OpenAI openai.Client
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	graphClient, err := neo4jdb.New(cfg.Neo4j, log)
	if err != nil {
		return Clients{}, fmt.Errorf("init neo4j: %w", err)
	}
	if graphClient == nil {
		log.Warn("NEO4J_URI not set; using in-memory graph store")
	}

	redisClient, err := redisx.New(cfg.Redis, log)
	if err != nil {
		if graphClient != nil {
			_ = graphClient.Close(context.Background())
		}
		return Clients{}, fmt.Errorf("init redis: %w", err)
	}
	if redisClient == nil {
		log.Warn("REDIS_ADDR not set; using process-local session cache")
	}

	var ai openai.Client
	if cfg.OpenAI.APIKey != "" {
		ai, err = openai.NewClient(cfg.OpenAI, log)
		if err != nil {
			partial := Clients{Neo4j: graphClient, Redis: redisClient}
			partial.Close()
			return Clients{}, fmt.Errorf("init openai client: %w", err)
		}
	} else {
		log.Warn("OPENAI_API_KEY not set; synthesis runs on name-key matching only")
	}

	return Clients{Neo4j: graphClient, Redis: redisClient, OpenAI: ai}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Neo4j != nil {
		_ = c.Neo4j.Close(context.Background())
	}
}
