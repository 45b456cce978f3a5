package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/query"
	"github.com/bank-rag/backend/pkg/circuitbreaker"
	"github.com/bank-rag/backend/pkg/config"
	"github.com/bank-rag/backend/pkg/logger"
	"github.com/bank-rag/backend/pkg/retry"
)

// maxEvidenceChars bounds one evidence item in the synthesis prompt.
const maxEvidenceChars = 1200

const synthesisPrompt = `You answer questions about banking API specifications for one customer.

Your answer must:
1. Use ONLY the numbered evidence below; never add outside knowledge
2. Cite evidence with [n] notation
3. Quote field names, limits and values exactly as they appear
4. Say "The requested information is not present in the uploaded documents." when the evidence does not answer the question

Be concise and precise.`

// Client talks to an OpenAI compatible API for embeddings and answer
// synthesis.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg config.LLMConfig) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	log := logger.Named("llm")

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		HalfOpenRequests: 2,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure: func(err error) bool {
			// Bad requests are our fault, not the provider's.
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
				return false
			}
			return !errors.Is(err, context.Canceled)
		},
		Logger: log,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable: func(err error) bool {
			return !errors.Is(err, circuitbreaker.ErrCircuitOpen) && !errors.Is(err, circuitbreaker.ErrTooManyRequests)
		},
		Logger: log,
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Bool("custom_base_url", cfg.BaseURL != ""),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	return retry.DoWithResult(ctx, c.retryConfig, func() (*CompletionResponse, error) {
		var result *CompletionResponse
		err := c.cb.Execute(ctx, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return errors.New("completion returned no choices")
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
		return result, err
	})
}

// Embed returns the embedding of one text. Retries are left to the caller's
// embedder; the breaker stops hammering a provider that is down.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32
	err := c.cb.Execute(ctx, func() error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		if len(resp.Data) == 0 {
			return errors.New("embedding response was empty")
		}
		embedding = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	return embedding, nil
}

// Synthesize phrases an answer from ordered evidence.
func (c *Client) Synthesize(ctx context.Context, question string, evidence []query.EvidenceItem) (string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: synthesisPrompt,
		UserPrompt:   BuildPrompt(question, evidence),
		Temperature:  0.1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to synthesize answer: %w", err)
	}

	logger.Info("Answer synthesized",
		zap.Int("evidence", len(evidence)),
		zap.Int("answer_length", len(resp.Content)),
	)
	return strings.TrimSpace(resp.Content), nil
}

// BuildPrompt numbers the evidence in merge order and tags each item with its
// strategy and source document.
func BuildPrompt(question string, evidence []query.EvidenceItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nEvidence:\n", question)
	for i, it := range evidence {
		text := it.Text
		if r := []rune(text); len(r) > maxEvidenceChars {
			text = string(r[:maxEvidenceChars]) + "..."
		}
		fmt.Fprintf(&b, "[%d] (%s, document %s) %s\n", i+1, it.Strategy, it.DocumentID, text)
	}
	return b.String()
}
