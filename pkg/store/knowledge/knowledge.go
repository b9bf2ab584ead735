package knowledge

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

// Embedder turns query text into a vector. The provider layer satisfies this.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds Qdrant connection configuration for the knowledge base.
type Config struct {
	// URL is the Qdrant server address (e.g., "https://example.qdrant.io:6334").
	URL string

	// CollectionName is the collection holding property knowledge chunks.
	CollectionName string

	// APIKey is optional API key for authentication.
	APIKey string

	// MinSimilarity drops results below this score. Default 0 keeps all.
	MinSimilarity float32
}

// Store searches the property knowledge base by semantic similarity.
type Store struct {
	client        *qdrant.Client
	collection    string
	embedder      Embedder
	minSimilarity float32
}

// New creates a knowledge store backed by Qdrant.
func New(cfg Config, embedder Embedder) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("qdrant collection name is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	parsedURL := cfg.URL
	if !strings.HasPrefix(parsedURL, "http://") && !strings.HasPrefix(parsedURL, "https://") {
		parsedURL = "https://" + parsedURL
	}
	u, err := url.Parse(parsedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qdrant url: %w", err)
	}

	host := u.Hostname()
	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
		port = p
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Store{
		client:        client,
		collection:    cfg.CollectionName,
		embedder:      embedder,
		minSimilarity: cfg.MinSimilarity,
	}, nil
}

// Search embeds the query and returns up to limit knowledge items scoped to
// one property, best match first.
func (s *Store) Search(ctx context.Context, query, propertyID string, limit int) ([]types.KnowledgeItem, error) {
	if limit <= 0 {
		limit = 5
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	limitUint64 := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitUint64,
		Filter:         propertyFilter(propertyID),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	items := make([]types.KnowledgeItem, 0, len(points))
	for _, point := range points {
		if s.minSimilarity > 0 && point.Score < s.minSimilarity {
			continue
		}
		item := types.KnowledgeItem{Similarity: point.Score}
		if point.Payload != nil {
			if v, ok := point.Payload["content"]; ok {
				item.Text = v.GetStringValue()
			}
		}
		if item.Text == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func propertyFilter(propertyID string) *qdrant.Filter {
	if propertyID == "" {
		return nil
	}
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   "property_id",
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: propertyID}},
					},
				},
			},
		},
	}
}
