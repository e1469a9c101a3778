// Package embeddings provides the client for the external embedding
// endpoint. One text in, one dense vector out; the service treats the
// endpoint as OpenAI-shaped and fails loudly when it misbehaves, since a
// record stored without a real embedding is worse than no record.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftlock/memoryd/internal/config"
	"github.com/driftlock/memoryd/internal/logging"
)

var tracer = otel.Tracer("memoryd.embeddings")

// Service computes embeddings via the configured HTTP endpoint.
type Service struct {
	url       string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
	logger    *logging.Logger
	metrics   *Metrics
}

// Options configures optional Service collaborators.
type Options struct {
	Logger  *logging.Logger
	Metrics *Metrics

	// HTTPClient overrides the default client. Nil means a 60s-timeout
	// client.
	HTTPClient *http.Client
}

// NewService creates an embedding client from the embedding section of the
// service configuration.
func NewService(cfg config.EmbeddingConfig, opts Options) (*Service, error) {
	if cfg.URL == "" {
		return nil, errors.New("embedding URL required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("embedding dimension must be positive")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Service{
		url:       cfg.URL,
		apiKey:    cfg.APIKey.Value(),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    client,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// Dimension returns the configured vector length.
func (s *Service) Dimension() int { return s.dimension }

// Model returns the configured model identifier.
func (s *Service) Model() string { return s.model }

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed computes the embedding for one text. Any endpoint failure is
// returned to the caller; there is no silent fallback vector.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "embeddings.Embed",
		trace.WithAttributes(
			attribute.String("embeddings.model", s.model),
			attribute.Int("embeddings.input_length", len(text)),
		))
	defer span.End()

	start := time.Now()
	vec, err := s.embed(ctx, text)
	if s.metrics != nil {
		s.metrics.RecordRequest(ctx, s.model, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("embeddings.dimension", len(vec)))
	return vec, nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: text, Model: s.model})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, errors.New("embedding response contained no data")
	}

	vec := parsed.Data[0].Embedding
	if len(vec) != s.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), s.dimension)
	}
	return vec, nil
}
