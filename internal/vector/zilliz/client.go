package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/logger"
)

const (
	fieldChunkID    = "chunk_id"
	fieldTenantID   = "tenant_id"
	fieldDocumentID = "document_id"
	fieldPosition   = "position"
	fieldText       = "text"
	fieldEmbedding  = "embedding"

	maxTextLength = 8192
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	cfg := client.Config{Address: endpoint}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.EnableTLSAuth = true
	}

	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Banking document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldChunkID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     fieldTenantID,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     fieldDocumentID,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     fieldPosition,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     fieldText,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxTextLength),
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(z.vectorDim),
				},
			},
		},
	}

	err = z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = z.client.LoadCollection(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

// Upsert writes embedded chunks keyed by chunk id. Chunk ids already embed the
// tenant, so a primary key never collides across tenants.
func (z *Client) Upsert(ctx context.Context, chunks []models.DocumentChunk) error {
	var (
		chunkIDs    []string
		tenantIDs   []string
		documentIDs []string
		positions   []int64
		texts       []string
		embeddings  [][]float32
	)

	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}
		chunkIDs = append(chunkIDs, chunk.ID)
		tenantIDs = append(tenantIDs, chunk.TenantID)
		documentIDs = append(documentIDs, chunk.DocumentID)
		positions = append(positions, int64(chunk.Position))
		texts = append(texts, truncate(chunk.Text, maxTextLength))
		embeddings = append(embeddings, chunk.Embedding)
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldChunkID, chunkIDs),
		entity.NewColumnVarChar(fieldTenantID, tenantIDs),
		entity.NewColumnVarChar(fieldDocumentID, documentIDs),
		entity.NewColumnInt64(fieldPosition, positions),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}

	err = z.client.Flush(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks upserted into vector DB", zap.Int("count", len(chunkIDs)))

	return nil
}

func (z *Client) Search(ctx context.Context, tenantID string, query []float32, topK int) ([]models.ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	expr := tenantFilter(tenantID)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		[]string{fieldChunkID, fieldTenantID, fieldDocumentID, fieldPosition, fieldText},
		[]entity.Vector{entity.FloatVector(query)},
		fieldEmbedding,
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]models.ScoredChunk, 0)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn(fieldChunkID)
		documentIDCol := sr.Fields.GetColumn(fieldDocumentID)
		positionCol := sr.Fields.GetColumn(fieldPosition)
		textCol := sr.Fields.GetColumn(fieldText)
		if chunkIDCol == nil || documentIDCol == nil || positionCol == nil || textCol == nil {
			return nil, fmt.Errorf("search result is missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.GetAsString(i)
			documentID, _ := documentIDCol.GetAsString(i)
			position, _ := positionCol.GetAsInt64(i)
			text, _ := textCol.GetAsString(i)

			results = append(results, models.ScoredChunk{
				Chunk: models.DocumentChunk{
					ID:         chunkID,
					TenantID:   tenantID,
					DocumentID: documentID,
					Position:   int(position),
					Text:       text,
				},
				Score: l2Similarity(sr.Scores[i]),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("tenant_id", tenantID),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

func (z *Client) Delete(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := z.client.DeleteByPks(ctx, z.collectionName, "", entity.NewColumnVarChar(fieldChunkID, ids))
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	logger.Debug("Chunks deleted from vector DB", zap.String("tenant_id", tenantID), zap.Int("count", len(ids)))
	return nil
}

func tenantFilter(tenantID string) string {
	return fieldTenantID + " == " + strconv.Quote(tenantID)
}

// l2Similarity maps an L2 distance to a score where higher is closer.
func l2Similarity(distance float32) float64 {
	return 1 / (1 + float64(distance))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
