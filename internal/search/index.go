// Package search provides full-text search over chat history using Bleve.
package search

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/puzzleshare/gridsync/internal/event"
)

// Index wraps Bleve for chat message search
type Index struct {
	index bleve.Index
	path  string
}

// Document represents one indexed chat message
type Document struct {
	ID       string `json:"id"`
	EntityID string `json:"entityId"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"`
}

// NewIndex creates or opens a Bleve index at the given path
func NewIndex(dataDir string) (*Index, error) {
	indexPath := filepath.Join(dataDir, "chat.bleve")

	var idx bleve.Index
	var err error

	// Try to open existing index
	idx, err = bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(indexPath, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	return &Index{
		index: idx,
		path:  indexPath,
	}, nil
}

// NewMemoryIndex creates an in-memory index for testing
func NewMemoryIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &Index{index: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	// Message text - full text searchable
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = "standard"
	docMapping.AddFieldMappingsAt("text", textField)

	// Entity and sender - keyword, for exact filtering
	entityField := bleve.NewTextFieldMapping()
	entityField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("entityId", entityField)

	senderField := bleve.NewTextFieldMapping()
	senderField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("sender", senderField)

	m.AddDocumentMapping("chat", docMapping)
	return m
}

// IndexChat adds a chat event to the index. Events of other types are
// ignored so callers can feed the whole canonical stream through.
func (i *Index) IndexChat(entityID string, ev event.Event) error {
	params, ok := ev.Params.(event.ChatParams)
	if !ok || ev.Type != event.TypeChat {
		return nil
	}
	sender := params.DisplayName
	if sender == "" {
		sender = params.SenderID
	}
	doc := Document{
		ID:       ev.ID,
		EntityID: entityID,
		Sender:   sender,
		Text:     params.Text,
		SentAt:   int64(ev.Timestamp),
	}
	return i.index.Index(ev.ID, doc)
}

// DeleteDocument removes one message from the index
func (i *Index) DeleteDocument(eventID string) error {
	return i.index.Delete(eventID)
}

// SearchOptions configures a search query
type SearchOptions struct {
	EntityID string // Restrict hits to one entity
	Limit    int    // Max results (default 50)
}

// SearchResult represents a search hit
type SearchResult struct {
	EventID string
	Score   float64
}

// Search performs a full-text search over message text
func (i *Index) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	text := bleve.NewMatchQuery(query)
	text.SetField("text")

	var searchReq *bleve.SearchRequest
	if opts.EntityID != "" {
		entity := bleve.NewTermQuery(opts.EntityID)
		entity.SetField("entityId")
		searchReq = bleve.NewSearchRequest(bleve.NewConjunctionQuery(text, entity))
	} else {
		searchReq = bleve.NewSearchRequest(text)
	}
	searchReq.Size = opts.Limit
	if searchReq.Size <= 0 {
		searchReq.Size = 50
	}

	searchRes, err := i.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(searchRes.Hits))
	for _, hit := range searchRes.Hits {
		results = append(results, SearchResult{
			EventID: hit.ID,
			Score:   hit.Score,
		})
	}
	return results, nil
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

// Delete removes the index from disk
func (i *Index) Delete() error {
	i.index.Close()
	if i.path != "" {
		return os.RemoveAll(i.path)
	}
	return nil
}
