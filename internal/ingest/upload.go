package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"answercore/internal/runstate"
)

// ParseUpload dispatches on the filename extension. JSON and CSV are the
// supported staging formats.
func ParseUpload(filename string, r io.Reader) ([]Chunk, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return ParseJSON(r)
	case ".csv":
		return ParseCSV(r)
	default:
		return nil, fmt.Errorf("ingest: unsupported file type %q", filepath.Ext(filename))
	}
}

// ParseJSON reads an array of {question, answer, metadata} objects.
func ParseJSON(r io.Reader) ([]Chunk, error) {
	var items []struct {
		Question string               `json:"question"`
		Answer   string               `json:"answer"`
		Metadata runstate.DocMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("ingest: decode json upload: %w", err)
	}
	chunks := make([]Chunk, 0, len(items))
	for _, it := range items {
		chunks = append(chunks, Chunk{Question: it.Question, Answer: it.Answer, Metadata: it.Metadata})
	}
	return chunks, nil
}

// ParseCSV reads rows under a header line; question and answer columns are
// required, category and intent optional.
func ParseCSV(r io.Reader) ([]Chunk, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("ingest: read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	qi, ok := col["question"]
	if !ok {
		return nil, errors.New("ingest: csv is missing a question column")
	}
	ai, ok := col["answer"]
	if !ok {
		return nil, errors.New("ingest: csv is missing an answer column")
	}

	var chunks []Chunk
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: read csv row: %w", err)
		}
		ch := Chunk{Question: row[qi], Answer: row[ai]}
		if i, ok := col["category"]; ok && i < len(row) {
			ch.Metadata.Category = row[i]
		}
		if i, ok := col["intent"]; ok && i < len(row) {
			ch.Metadata.Intent = row[i]
		}
		if i, ok := col["source_document"]; ok && i < len(row) {
			ch.Metadata.SourceDocument = row[i]
		}
		chunks = append(chunks, ch)
	}
	return chunks, nil
}
