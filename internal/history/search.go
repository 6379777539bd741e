package history

import (
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bquery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/ChamsBouzaiene/kiwi/internal/task"
)

// SearchIndex is a bleve full-text index over archived task titles and
// conversation text. It lives beside the sqlite store; the store stays the
// source of truth and the index can always be rebuilt from it.
type SearchIndex struct {
	index bleve.Index
}

// SearchHit is one search result, metadata only. Load the record from the
// store for the conversation.
type SearchHit struct {
	TaskID  string
	Title   string
	WorkDir string
	Score   float64
}

// OpenSearch opens an existing index at indexPath or creates a new one. A
// corrupted index is discarded and rebuilt empty rather than failing open.
func OpenSearch(indexPath string) (*SearchIndex, error) {
	index, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create search index: %w", err)
		}
	} else if err != nil {
		if rmErr := os.RemoveAll(indexPath); rmErr != nil {
			return nil, fmt.Errorf("failed to remove corrupted search index: %w", rmErr)
		}
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate search index: %w", err)
		}
	}
	return &SearchIndex{index: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	taskMapping := bleve.NewDocumentMapping()

	// Exact-match fields, stored for retrieval.
	idField := bleve.NewTextFieldMapping()
	idField.Analyzer = keyword.Name
	idField.Store = true
	taskMapping.AddFieldMappingsAt("task_id", idField)

	workDirField := bleve.NewTextFieldMapping()
	workDirField.Analyzer = keyword.Name
	workDirField.Store = true
	taskMapping.AddFieldMappingsAt("work_dir", workDirField)

	// Analyzed fields the queries actually match on.
	titleField := bleve.NewTextFieldMapping()
	titleField.Analyzer = standard.Name
	titleField.Store = true
	taskMapping.AddFieldMappingsAt("title", titleField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	taskMapping.AddFieldMappingsAt("text", textField)

	indexMapping.AddDocumentMapping("task", taskMapping)
	indexMapping.DefaultType = "task"
	return indexMapping
}

// Index adds or replaces one record in the index.
func (s *SearchIndex) Index(rec Record) error {
	doc := map[string]interface{}{
		"task_id":  rec.TaskID,
		"work_dir": rec.WorkDir,
		"title":    rec.Title,
		"text":     conversationText(rec.Conversation),
	}
	if err := s.index.Index(rec.TaskID, doc); err != nil {
		return fmt.Errorf("failed to index task %s: %w", rec.TaskID, err)
	}
	return nil
}

// Remove deletes one record from the index.
func (s *SearchIndex) Remove(taskID string) error {
	return s.index.Delete(taskID)
}

// Search runs a match query over titles and conversation text. An empty
// workDir searches across all working directories.
func (s *SearchIndex) Search(query, workDir string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}

	titleQuery := bleve.NewMatchQuery(query)
	titleQuery.SetField("title")
	textQuery := bleve.NewMatchQuery(query)
	textQuery.SetField("text")
	combined := bleve.NewDisjunctionQuery(titleQuery, textQuery)

	var searchQuery bquery.Query = combined
	if workDir != "" {
		dirQuery := bleve.NewTermQuery(workDir)
		dirQuery.SetField("work_dir")
		searchQuery = bleve.NewConjunctionQuery(combined, dirQuery)
	}

	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Size = limit
	searchRequest.Fields = []string{"task_id", "title", "work_dir"}

	searchResult, err := s.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("history search failed: %w", err)
	}

	hits := make([]SearchHit, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		h := SearchHit{TaskID: hit.ID, Score: hit.Score}
		if title, ok := hit.Fields["title"].(string); ok {
			h.Title = title
		}
		if dir, ok := hit.Fields["work_dir"].(string); ok {
			h.WorkDir = dir
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Close closes the underlying index.
func (s *SearchIndex) Close() error {
	return s.index.Close()
}

// conversationText flattens a conversation into one searchable string: user
// and assistant text plus tool results, skipping binary attachments.
func conversationText(msgs []task.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, block := range m.Blocks {
			switch v := block.(type) {
			case task.TextBlock:
				b.WriteString(v.Text)
				b.WriteString("\n")
			case *task.TextBlock:
				b.WriteString(v.Text)
				b.WriteString("\n")
			case task.ToolResultBlock:
				b.WriteString(v.Content)
				b.WriteString("\n")
			case task.FileBlock:
				b.WriteString(v.Path)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
