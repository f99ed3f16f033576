package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yungbote/graphrecall/internal/platform/logger"
)

// Provider is the external embedding capability. openai.Client satisfies it.
type Provider interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Config struct {
	BatchSize   int
	Concurrency int
	// RatePerSec limits provider calls; zero disables limiting.
	RatePerSec float64
	Burst      int
	CacheSize  int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Burst <= 0 {
		c.Burst = c.Concurrency
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
	return c
}

// Index turns text into fixed-length vectors. Identical texts are embedded once
// per call and served from an LRU afterwards; every vector it returns has the
// same dimensionality.
type Index struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	cache    *lru.Cache[string, []float32]
	log      *logger.Logger

	mu   sync.Mutex
	dims int
}

func NewIndex(provider Provider, cfg Config, baseLog *logger.Logger) (*Index, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding index: provider required")
	}
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding index: cache: %w", err)
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	return &Index{
		provider: provider,
		cfg:      cfg,
		limiter:  limiter,
		cache:    cache,
		log:      baseLog.With("service", "EmbeddingIndex"),
	}, nil
}

// Dimensions is zero until the first vector has been observed.
func (x *Index) Dimensions() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dims
}

func (x *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := x.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out[0]) == 0 {
		return nil, fmt.Errorf("embed: empty text")
	}
	return out[0], nil
}

// EmbedBatch returns one vector per input, in order. Blank inputs yield nil without a
// provider call. Any chunk failure fails the whole batch.
func (x *Index) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	positions := map[string][]int{}
	var missing []string
	for i, raw := range texts {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}
		if v, ok := x.cache.Get(t); ok {
			out[i] = v
			continue
		}
		if _, seen := positions[t]; !seen {
			missing = append(missing, t)
		}
		positions[t] = append(positions[t], i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	results := make([][]float32, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.Concurrency)
	for start := 0; start < len(missing); start += x.cfg.BatchSize {
		end := start + x.cfg.BatchSize
		if end > len(missing) {
			end = len(missing)
		}
		g.Go(func() error {
			if x.limiter != nil {
				if err := x.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			vecs, err := x.provider.Embed(gctx, missing[start:end])
			if err != nil {
				return fmt.Errorf("embed chunk [%d:%d]: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embed chunk [%d:%d]: provider returned %d vectors", start, end, len(vecs))
			}
			for i, v := range vecs {
				if err := x.checkDims(v); err != nil {
					return err
				}
				results[start+i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		x.log.Warn("embedding batch failed", "texts", len(missing), "error", err)
		return nil, err
	}

	for i, t := range missing {
		x.cache.Add(t, results[i])
		for _, pos := range positions[t] {
			out[pos] = results[i]
		}
	}
	return out, nil
}

func (x *Index) checkDims(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dims == 0 {
		x.dims = len(v)
		return nil
	}
	if len(v) != x.dims {
		return fmt.Errorf("%w: want %d got %d", ErrDimensionMismatch, x.dims, len(v))
	}
	return nil
}
