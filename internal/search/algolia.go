// Package search mirrors canonical records into Algolia so the admin panel
// can find a farmer's documents by owner, parcel or address. The index is a
// read-optimized projection; the store stays the source of truth.
package search

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/algolia/algoliasearch-client-go/v4/algolia/search"

	"github.com/agridoc/backend/internal/model"
)

// Config holds Algolia configuration.
type Config struct {
	AppID     string
	APIKey    string
	IndexName string
}

// AlgoliaClient wraps the Algolia search API client.
type AlgoliaClient struct {
	client    *search.APIClient
	indexName string
}

// NewAlgoliaClient creates a new Algolia search client.
func NewAlgoliaClient(cfg Config) (*AlgoliaClient, error) {
	if cfg.AppID == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("algolia AppID and APIKey are required")
	}
	if cfg.IndexName == "" {
		cfg.IndexName = "agridoc-records"
	}

	client, err := search.NewClient(cfg.AppID, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating algolia client: %w", err)
	}

	return &AlgoliaClient{
		client:    client,
		indexName: cfg.IndexName,
	}, nil
}

// IndexRecord upserts a canonical record into the index, keyed by document
// ID. Field confidences are flattened next to the values so the admin panel
// can surface low-confidence extractions for review.
func (c *AlgoliaClient) IndexRecord(ctx context.Context, doc *model.Document, record *model.CanonicalRecord) error {
	object := map[string]any{
		"objectID":      doc.ID,
		"source_uri":    doc.SourceURI,
		"fingerprint":   doc.Fingerprint,
		"merge_version": record.MergeVersion,
		"updated_at":    record.UpdatedAt.Unix(),
	}
	for field, value := range record.Fields {
		object[field] = value.Value
		object[field+"_confidence"] = value.Confidence
	}

	_, err := c.client.SaveObject(c.client.NewApiSaveObjectRequest(c.indexName, object))
	if err != nil {
		return fmt.Errorf("algolia save object: %w", err)
	}
	log.Printf("[search] indexed document %s at merge_version %d", doc.ID, record.MergeVersion)
	return nil
}

// SearchParams defines the input for a record search.
type SearchParams struct {
	Query    string
	ParcelID string
	CropType string
	Page     int
	PageSize int
}

// RecordHit is one search result.
type RecordHit struct {
	DocumentID   string         `json:"document_id"`
	SourceURI    string         `json:"source_uri"`
	MergeVersion int64          `json:"merge_version"`
	Fields       map[string]any `json:"fields"`
}

// SearchResponse holds results from Algolia.
type SearchResponse struct {
	Hits       []*RecordHit
	TotalCount int
	TotalPages int
	Page       int
}

// Search performs a full-text search over indexed canonical records.
func (c *AlgoliaClient) Search(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := params.Page
	if page < 0 {
		page = 0
	}

	searchParams := search.SearchParamsObjectAsSearchParams(
		search.NewSearchParamsObject().
			SetQuery(params.Query).
			SetHitsPerPage(int32(pageSize)).
			SetPage(int32(page)).
			SetFilters(buildFilters(params)),
	)

	resp, err := c.client.SearchSingleIndex(c.client.NewApiSearchSingleIndexRequest(c.indexName).WithSearchParams(searchParams))
	if err != nil {
		return nil, fmt.Errorf("algolia search: %w", err)
	}

	hits := make([]*RecordHit, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if h := hitToRecord(hit.AdditionalProperties); h != nil {
			hits = append(hits, h)
		}
	}

	totalCount := 0
	if resp.NbHits != nil {
		totalCount = int(*resp.NbHits)
	}
	totalPages := 0
	if resp.NbPages != nil {
		totalPages = int(*resp.NbPages)
	}

	return &SearchResponse{
		Hits:       hits,
		TotalCount: totalCount,
		TotalPages: totalPages,
		Page:       page,
	}, nil
}

// buildFilters constructs the Algolia filter string from search params.
func buildFilters(params SearchParams) string {
	var parts []string
	if params.ParcelID != "" {
		parts = append(parts, fmt.Sprintf("parcel_id:%q", params.ParcelID))
	}
	if params.CropType != "" {
		parts = append(parts, fmt.Sprintf("crop_type:%q", params.CropType))
	}
	return strings.Join(parts, " AND ")
}

// hitToRecord converts an Algolia hit back into a RecordHit.
func hitToRecord(props map[string]any) *RecordHit {
	hit := &RecordHit{Fields: make(map[string]any)}

	for key, value := range props {
		switch key {
		case "objectID":
			if v, ok := value.(string); ok {
				hit.DocumentID = v
			}
		case "source_uri":
			if v, ok := value.(string); ok {
				hit.SourceURI = v
			}
		case "merge_version":
			if v, ok := value.(float64); ok {
				hit.MergeVersion = int64(v)
			}
		case "fingerprint", "updated_at":
		default:
			if strings.HasSuffix(key, "_confidence") {
				continue
			}
			hit.Fields[key] = value
		}
	}

	if hit.DocumentID == "" {
		log.Printf("[search] skipping hit with no objectID")
		return nil
	}
	return hit
}
