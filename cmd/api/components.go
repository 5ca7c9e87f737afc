package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/cache/redis"
	"github.com/krishi-officer/backend/internal/ingestion"
	"github.com/krishi-officer/backend/internal/llm"
	"github.com/krishi-officer/backend/internal/nlu"
	"github.com/krishi-officer/backend/internal/storage/sqlite"
	"github.com/krishi-officer/backend/internal/vector/zilliz"
	"github.com/krishi-officer/backend/pkg/config"
	appLogger "github.com/krishi-officer/backend/pkg/logger"
)

// components are the backing clients shared by serve and ingest.
type components struct {
	sqlite    *sqlite.Client
	redis     *redis.Client
	llm       *llm.Client
	vectors   *zilliz.Client
	extractor *nlu.Extractor
	processor *ingestion.Processor
}

func openComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{}

	var err error
	c.sqlite, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create SQLite client")
	}
	if err := c.sqlite.InitSchema(ctx); err != nil {
		c.close()
		return nil, eris.Wrap(err, "failed to initialize schema")
	}

	c.redis, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		c.close()
		return nil, eris.Wrap(err, "failed to create Redis client")
	}

	c.llm = llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		SpeechModel:    cfg.Speech.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
	})

	c.vectors, err = zilliz.NewClient(ctx, zilliz.Config{
		Endpoint:       cfg.Milvus.Endpoint,
		APIKey:         cfg.Milvus.APIKey,
		CollectionName: cfg.Milvus.CollectionName,
		VectorDim:      cfg.Milvus.VectorDim,
		EmbeddingTTL:   cfg.Redis.EmbeddingTTL,
	}, c.llm, c.redis)
	if err != nil {
		c.close()
		return nil, eris.Wrap(err, "failed to create Milvus client")
	}
	if err := c.vectors.CreateCollection(ctx); err != nil {
		c.close()
		return nil, eris.Wrap(err, "failed to create collection")
	}

	c.extractor, err = nlu.Load(cfg.NLU.DictionaryPath)
	if err != nil {
		c.close()
		return nil, eris.Wrap(err, "failed to load term dictionary")
	}

	c.processor = ingestion.NewProcessor(c.sqlite, c.vectors, c.llm, c.extractor)
	return c, nil
}

func (c *components) close() {
	if c.vectors != nil {
		if err := c.vectors.Close(); err != nil {
			appLogger.Warn("Failed to close Milvus client", zap.Error(err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			appLogger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if c.sqlite != nil {
		if err := c.sqlite.Close(); err != nil {
			appLogger.Warn("Failed to close SQLite client", zap.Error(err))
		}
	}
}
