package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/query"
	"github.com/krishi-officer/backend/internal/synthesis"
	"github.com/krishi-officer/backend/pkg/circuitbreaker"
	"github.com/krishi-officer/backend/pkg/logger"
	"github.com/krishi-officer/backend/pkg/retry"
)

const systemPrompt = `You are a senior agricultural officer of the Kerala Department of Agriculture.
You advise smallholder farmers on crops, pests, diseases, fertilizer, weather and government schemes.
Only recommend practices and pesticides approved for Kerala. State your confidence honestly.`

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	SpeechModel    string
	Temperature    float32
	MaxTokens      int
}

// Client talks to the OpenAI-compatible endpoint for generation, embeddings
// and speech. Each upstream has its own breaker; calls on the query path are
// never retried.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	speechModel    string
	temperature    float32
	maxTokens      int

	generation *circuitbreaker.CircuitBreaker
	embedding  *circuitbreaker.CircuitBreaker
	speech     *circuitbreaker.CircuitBreaker

	batchRetry retry.Config
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = openai.Whisper1
	}

	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.New(name, circuitbreaker.Config{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 2,
			SuccessThreshold: 2,
			OnStateChange:    metrics.ObserveBreaker,
			Logger:           logger.GetLogger(),
		})
	}

	batchRetry := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
		Operation:      "batch_embeddings",
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.String("speech_model", cfg.SpeechModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		speechModel:    cfg.SpeechModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		generation:     breaker("generation"),
		embedding:      breaker("embedding"),
		speech:         breaker("speech"),
		batchRetry:     batchRetry,
	}
}

var _ synthesis.Generator = (*Client)(nil)
var _ query.Transcriber = (*Client)(nil)

type generationReply struct {
	Answer     string   `json:"answer"`
	Confidence *float64 `json:"confidence"`
}

// Generate asks for a JSON reply carrying the answer and the model's own
// confidence. The synthesizer bounds the call with its timeout.
func (c *Client) Generate(ctx context.Context, prompt string) (synthesis.Generation, error) {
	var gen synthesis.Generation

	err := c.generation.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			Temperature:    c.temperature,
			MaxTokens:      c.maxTokens,
			ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		})
		if err != nil {
			return eris.Wrap(err, "failed to create completion")
		}
		if len(resp.Choices) == 0 {
			return eris.New("completion returned no choices")
		}

		logger.Debug("LLM completion generated",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		gen, err = parseGeneration(resp.Choices[0].Message.Content)
		return err
	})
	if err != nil {
		return synthesis.Generation{}, err
	}
	return gen, nil
}

func parseGeneration(content string) (synthesis.Generation, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var reply generationReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return synthesis.Generation{}, eris.Wrap(err, "completion is not the expected JSON")
	}
	if reply.Confidence == nil {
		return synthesis.Generation{}, eris.New("completion has no confidence")
	}
	return synthesis.Generation{Text: reply.Answer, Confidence: *reply.Confidence}, nil
}

// Embed returns the embedding vector of one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var embedding []float32

	err := c.embedding.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if err != nil {
			return eris.Wrap(err, "failed to generate embedding")
		}
		if len(resp.Data) == 0 {
			return eris.New("embedding response is empty")
		}
		embedding = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	return embedding, nil
}

// EmbedBatch embeds knowledge chunks during ingestion. Unlike the query path
// it retries, since ingestion runs offline.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	const batchSize = 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		_, err := retry.Do(ctx, c.batchRetry, func(ctx context.Context) error {
			return c.embedding.Execute(ctx, func(ctx context.Context) error {
				resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				})
				if err != nil {
					return eris.Wrap(err, "failed to generate batch embeddings")
				}
				if len(resp.Data) != len(batch) {
					return eris.Errorf("embedding count %d does not match batch size %d", len(resp.Data), len(batch))
				}
				for _, data := range resp.Data {
					embeddings = append(embeddings, data.Embedding)
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

// Transcribe runs speech recognition. Confidence is the exponential of the
// mean segment log-probability.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename, locale string) (query.Transcription, error) {
	if filename == "" {
		filename = "query.wav"
	}

	var tr query.Transcription
	err := c.speech.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.speechModel,
			Reader:   bytes.NewReader(audio),
			FilePath: filename,
			Language: locale,
			Format:   openai.AudioResponseFormatVerboseJSON,
		})
		if err != nil {
			return eris.Wrap(err, "failed to transcribe audio")
		}

		logprobs := make([]float64, 0, len(resp.Segments))
		for _, s := range resp.Segments {
			logprobs = append(logprobs, s.AvgLogprob)
		}
		tr = query.Transcription{
			Text:       strings.TrimSpace(resp.Text),
			Confidence: confidenceFromLogprobs(logprobs),
		}
		return nil
	})
	if err != nil {
		return query.Transcription{}, err
	}

	logger.Debug("Audio transcribed",
		zap.String("locale", locale),
		zap.Int("chars", len(tr.Text)),
		zap.Float64("confidence", tr.Confidence),
	)
	return tr, nil
}

func confidenceFromLogprobs(logprobs []float64) float64 {
	if len(logprobs) == 0 {
		return 0
	}
	var sum float64
	for _, lp := range logprobs {
		sum += lp
	}
	conf := math.Exp(sum / float64(len(logprobs)))
	if conf > 1 {
		return 1
	}
	return conf
}
