package zilliz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/retrieval"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/logger"
	"github.com/krishi-officer/backend/pkg/utils"
)

const (
	fieldDocID     = "doc_id"
	fieldEmbedding = "embedding"
	fieldText      = "text"
	fieldSource    = "source"
	fieldCrops     = "crops"
	fieldDiseases  = "diseases"
	fieldDistricts = "districts"
	fieldSeasons   = "seasons"
	fieldUpdatedAt = "updated_at"

	tagSeparator = ","
)

var outputFields = []string{
	fieldDocID, fieldText, fieldCrops, fieldDiseases, fieldDistricts, fieldSeasons, fieldUpdatedAt,
}

// Embedder turns text into the vector space of the collection.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache stores query embeddings keyed by a hash of the enriched
// query text.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	EmbeddingTTL   time.Duration
}

// Client is the similarity store over the advisory knowledge base.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	embedder       Embedder
	cache          EmbeddingCache
	embeddingTTL   time.Duration
}

// Chunk is one indexed knowledge passage.
type Chunk struct {
	DocID     string
	Source    string
	Embedding []float32
	Text      string
	Tags      models.PassageTags
	UpdatedAt time.Time
}

var _ retrieval.SimilaritySearcher = (*Client)(nil)

func NewClient(ctx context.Context, cfg Config, embedder Embedder, cache EmbeddingCache) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to create milvus client")
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)
	return newWithClient(c, cfg, embedder, cache), nil
}

func newWithClient(c client.Client, cfg Config, embedder Embedder, cache EmbeddingCache) *Client {
	if cfg.EmbeddingTTL <= 0 {
		cfg.EmbeddingTTL = 24 * time.Hour
	}
	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		embedder:       embedder,
		cache:          cache,
		embeddingTTL:   cfg.EmbeddingTTL,
	}
}

func (z *Client) Close() error {
	return z.client.Close()
}

// Ping reports whether the collection is reachable.
func (z *Client) Ping(ctx context.Context) error {
	_, err := z.client.HasCollection(ctx, z.collectionName)
	return err
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return eris.Wrap(err, "failed to check collection")
	}
	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return nil
	}

	varchar := func(name string, maxLen int, primary bool) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			PrimaryKey: primary,
			TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", maxLen)},
		}
	}
	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Kerala agricultural advisory passages",
		Fields: []*entity.Field{
			varchar(fieldDocID, 128, true),
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			varchar(fieldText, 8192, false),
			varchar(fieldSource, 512, false),
			varchar(fieldCrops, 512, false),
			varchar(fieldDiseases, 512, false),
			varchar(fieldDistricts, 512, false),
			varchar(fieldSeasons, 128, false),
			{Name: fieldUpdatedAt, DataType: entity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return eris.Wrap(err, "failed to create collection")
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return eris.Wrap(err, "failed to build index params")
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return eris.Wrap(err, "failed to create index")
	}
	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return eris.Wrap(err, "failed to load collection")
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// Insert writes chunks and flushes them so they are searchable.
func (z *Client) Insert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	n := len(chunks)
	docIDs := make([]string, n)
	embeddings := make([][]float32, n)
	texts := make([]string, n)
	sources := make([]string, n)
	crops := make([]string, n)
	diseases := make([]string, n)
	districts := make([]string, n)
	seasons := make([]string, n)
	updated := make([]int64, n)

	for i, chunk := range chunks {
		if len(chunk.Embedding) != z.vectorDim {
			return eris.Errorf("chunk %s has embedding dim %d, collection expects %d", chunk.DocID, len(chunk.Embedding), z.vectorDim)
		}
		docIDs[i] = chunk.DocID
		embeddings[i] = chunk.Embedding
		texts[i] = chunk.Text
		sources[i] = chunk.Source
		crops[i] = joinTags(chunk.Tags.Crops)
		diseases[i] = joinTags(chunk.Tags.Diseases)
		districts[i] = joinTags(chunk.Tags.Districts)
		seasons[i] = joinTags(chunk.Tags.Seasons)
		updated[i] = chunk.UpdatedAt.Unix()
	}

	_, err := z.client.Insert(ctx, z.collectionName, "",
		entity.NewColumnVarChar(fieldDocID, docIDs),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldSource, sources),
		entity.NewColumnVarChar(fieldCrops, crops),
		entity.NewColumnVarChar(fieldDiseases, diseases),
		entity.NewColumnVarChar(fieldDistricts, districts),
		entity.NewColumnVarChar(fieldSeasons, seasons),
		entity.NewColumnInt64(fieldUpdatedAt, updated),
	)
	if err != nil {
		return eris.Wrap(err, "failed to insert chunks")
	}
	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return eris.Wrap(err, "failed to flush")
	}

	logger.Info("Chunks inserted into vector DB", zap.Int("count", n))
	return nil
}

// DeleteSource removes every chunk ingested from source, so re-ingesting a
// page replaces it.
func (z *Client) DeleteSource(ctx context.Context, source string) error {
	expr := fmt.Sprintf("%s == %q", fieldSource, source)
	if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
		return eris.Wrapf(err, "failed to delete chunks of %s", source)
	}
	return nil
}

// Search embeds the enriched query and returns the k most similar passages.
// Scores are inner products of normalized embeddings, higher is closer.
func (z *Client) Search(ctx context.Context, text string, k int) ([]models.Passage, error) {
	vec, err := z.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, eris.Wrap(err, "failed to build search params")
	}

	results, err := z.client.Search(ctx, z.collectionName, []string{}, "", outputFields,
		[]entity.Vector{entity.FloatVector(vec)}, fieldEmbedding, entity.IP, k, sp)
	if err != nil {
		return nil, eris.Wrap(err, "failed to search")
	}

	passages := make([]models.Passage, 0, k)
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			passages = append(passages, models.Passage{
				DocID: stringAt(sr.Fields, fieldDocID, i),
				Text:  stringAt(sr.Fields, fieldText, i),
				Tags: models.PassageTags{
					Crops:     splitTags(stringAt(sr.Fields, fieldCrops, i)),
					Diseases:  splitTags(stringAt(sr.Fields, fieldDiseases, i)),
					Districts: splitTags(stringAt(sr.Fields, fieldDistricts, i)),
					Seasons:   splitTags(stringAt(sr.Fields, fieldSeasons, i)),
				},
				Score:     float64(sr.Scores[i]),
				UpdatedAt: time.Unix(int64At(sr.Fields, fieldUpdatedAt, i), 0).UTC(),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("top_k", k),
		zap.Int("results", len(passages)),
	)
	return passages, nil
}

func (z *Client) embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)
	if z.cache != nil {
		vec, ok, err := z.cache.GetEmbedding(ctx, key)
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return vec, nil
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
	}

	vec, err := z.embedder.Embed(ctx, text)
	if err != nil {
		return nil, eris.Wrap(err, "failed to embed query")
	}

	if z.cache != nil {
		if err := z.cache.SetEmbedding(ctx, key, vec, z.embeddingTTL); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return vec, nil
}

func joinTags(tags []string) string {
	return strings.Join(tags, tagSeparator)
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, tagSeparator)
}

func stringAt(fields client.ResultSet, name string, i int) string {
	col := fields.GetColumn(name)
	if col == nil {
		return ""
	}
	v, err := col.GetAsString(i)
	if err != nil {
		return ""
	}
	return v
}

func int64At(fields client.ResultSet, name string, i int) int64 {
	col := fields.GetColumn(name)
	if col == nil {
		return 0
	}
	v, err := col.GetAsInt64(i)
	if err != nil {
		return 0
	}
	return v
}
