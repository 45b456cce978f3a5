package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/pkg/logger"
)

// DefaultLocalModel produces 384 dimensional sentence embeddings.
const DefaultLocalModel = "sentence-transformers/all-MiniLM-L6-v2"

// LocalEmbedder runs a sentence transformer in process with the pure Go
// hugot backend.
type LocalEmbedder struct {
	mu       sync.Mutex
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
}

// NewLocalEmbedder loads the model at modelPath, downloading
// DefaultLocalModel into its parent directory when the path does not exist.
func NewLocalEmbedder(modelPath string) (*LocalEmbedder, error) {
	path, err := prepareModel(modelPath)
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
		ModelPath: path,
		Name:      "bank-rag-embedder",
	})
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create embedding pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create embedding pipeline: %w", err)
	}

	logger.Info("Local embedding model loaded", zap.String("path", path))
	return &LocalEmbedder{session: session, pipeline: pipeline}, nil
}

func prepareModel(modelPath string) (string, error) {
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat model: %w", err)
	}

	modelDir := filepath.Dir(modelPath)
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}

	logger.Info("Downloading embedding model", zap.String("model", DefaultLocalModel), zap.String("dir", modelDir))
	options := hugot.NewDownloadOptions()
	options.OnnxFilePath = "onnx/model.onnx"
	path, err := hugot.DownloadModel(DefaultLocalModel, modelDir, options)
	if err != nil {
		return "", fmt.Errorf("failed to download model: %w", err)
	}
	return path, nil
}

func (l *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	result, err := l.pipeline.RunPipeline([]string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, errors.New("no embedding generated")
	}
	return result.Embeddings[0], nil
}

func (l *LocalEmbedder) Close() error {
	return l.session.Destroy()
}
