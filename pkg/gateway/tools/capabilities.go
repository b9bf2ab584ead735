package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/tools/adapters/places"
)

const (
	ToolSearchNearbyPlaces      = "search_nearby_places"
	ToolGetCurrentTime          = "get_current_time"
	ToolSearchPropertyKnowledge = "search_property_knowledge"
)

// PlaceSearcher is the location-search collaborator.
type PlaceSearcher interface {
	Search(ctx context.Context, query, near string, maxResults int) ([]places.Place, error)
}

// PropertyLocator resolves a property's address and IANA timezone.
type PropertyLocator interface {
	PropertyLocation(ctx context.Context, propertyID string) (address, timezone string, err error)
}

// KnowledgeSearcher is the property-knowledge lookup collaborator.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query, propertyID string, limit int) ([]types.KnowledgeItem, error)
}

// NearbyPlacesExecutor answers "what is around the property" questions.
type NearbyPlacesExecutor struct {
	Places     PlaceSearcher
	Properties PropertyLocator
	PropertyID string
}

func (e *NearbyPlacesExecutor) Name() string { return ToolSearchNearbyPlaces }

func (e *NearbyPlacesExecutor) Definition() core.ToolDefinition {
	return core.ToolDefinition{
		Name:        ToolSearchNearbyPlaces,
		Description: "Search for restaurants, attractions, and services near the property.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for, e.g. 'coffee shop' or 'pharmacy'.",
				},
				"max_results": map[string]any{
					"type": "integer",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (e *NearbyPlacesExecutor) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var input struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(input.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	near := ""
	if e.Properties != nil && e.PropertyID != "" {
		address, _, err := e.Properties.PropertyLocation(ctx, e.PropertyID)
		if err == nil {
			near = address
		}
	}

	found, err := e.Places.Search(ctx, input.Query, near, input.MaxResults)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0, len(found))
	for _, p := range found {
		results = append(results, map[string]any{
			"name":     p.Name,
			"category": p.Category,
			"address":  p.Address,
		})
	}
	return map[string]any{"places": results}, nil
}

// CurrentTimeExecutor reports the wall-clock time at the property.
type CurrentTimeExecutor struct {
	Properties PropertyLocator
	PropertyID string
	Now        func() time.Time
}

func (e *CurrentTimeExecutor) Name() string { return ToolGetCurrentTime }

func (e *CurrentTimeExecutor) Definition() core.ToolDefinition {
	return core.ToolDefinition{
		Name:        ToolGetCurrentTime,
		Description: "Get the current local date and time at the property.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

func (e *CurrentTimeExecutor) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	zone := "UTC"
	if e.Properties != nil && e.PropertyID != "" {
		_, tz, err := e.Properties.PropertyLocation(ctx, e.PropertyID)
		if err == nil && strings.TrimSpace(tz) != "" {
			zone = tz
		}
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
		zone = "UTC"
	}
	local := now().In(loc)
	return map[string]any{
		"timezone":   zone,
		"local_time": local.Format(time.RFC1123),
	}, nil
}

// PropertyKnowledgeExecutor retrieves property-specific knowledge fragments.
type PropertyKnowledgeExecutor struct {
	Knowledge  KnowledgeSearcher
	PropertyID string
	MaxItems   int
}

func (e *PropertyKnowledgeExecutor) Name() string { return ToolSearchPropertyKnowledge }

func (e *PropertyKnowledgeExecutor) Definition() core.ToolDefinition {
	return core.ToolDefinition{
		Name:        ToolSearchPropertyKnowledge,
		Description: "Look up property-specific information such as wifi, check-out, amenities, and house rules.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The guest question to look up.",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (e *PropertyKnowledgeExecutor) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(input.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if e.PropertyID == "" {
		return map[string]any{"found": false, "items": []any{}}, nil
	}

	limit := e.MaxItems
	if limit <= 0 {
		limit = 5
	}
	items, err := e.Knowledge.Search(ctx, input.Query, e.PropertyID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"text":       item.Text,
			"similarity": item.Similarity,
		})
	}
	return map[string]any{"found": len(out) > 0, "items": out}, nil
}
