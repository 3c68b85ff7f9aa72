// Package ingest implements the staging-then-commit knowledge pipeline:
// drafts are parked in Redis with a TTL and edited chunk by chunk, then a
// commit embeds the chunks in batches and writes them to the row and vector
// stores with duplicate elision.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"answercore/internal/runstate"
)

var (
	ErrDraftNotFound = errors.New("ingest: draft not found")
	ErrChunkNotFound = errors.New("ingest: chunk not found")
)

const (
	draftPrefix = "ingest:draft:"
	draftIndex  = "ingest:drafts"
)

// Chunk is one question/answer pair staged for indexing.
type Chunk struct {
	ChunkID  string               `json:"chunk_id"`
	Question string               `json:"question"`
	Answer   string               `json:"answer"`
	Metadata runstate.DocMetadata `json:"metadata"`
}

// Draft is a staged upload awaiting review and commit.
type Draft struct {
	DraftID   string    `json:"draft_id"`
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename"`
	Chunks    []Chunk   `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

// DraftStore keeps drafts in Redis under a TTL.
type DraftStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewDraftStore builds a store. A non-positive ttl defaults to 24h.
func NewDraftStore(rdb redis.UniversalClient, ttl time.Duration) *DraftStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DraftStore{rdb: rdb, ttl: ttl}
}

// Create stages a new draft from parsed chunks. Chunks without ids get one.
func (d *DraftStore) Create(ctx context.Context, filename string, chunks []Chunk) (*Draft, error) {
	draft := &Draft{
		DraftID:   uuid.NewString(),
		FileID:    uuid.NewString(),
		Filename:  filename,
		Chunks:    chunks,
		CreatedAt: time.Now().UTC(),
	}
	for i := range draft.Chunks {
		if draft.Chunks[i].ChunkID == "" {
			draft.Chunks[i].ChunkID = uuid.NewString()
		}
	}
	if err := d.save(ctx, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// Get loads one draft.
func (d *DraftStore) Get(ctx context.Context, draftID string) (*Draft, error) {
	raw, err := d.rdb.Get(ctx, draftPrefix+draftID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	var draft Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return &draft, nil
}

// List returns every live draft, newest first.
func (d *DraftStore) List(ctx context.Context) ([]*Draft, error) {
	ids, err := d.rdb.SMembers(ctx, draftIndex).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	out := make([]*Draft, 0, len(ids))
	for _, id := range ids {
		draft, err := d.Get(ctx, id)
		if errors.Is(err, ErrDraftNotFound) {
			// Expired entry still indexed.
			d.rdb.SRem(ctx, draftIndex, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, draft)
	}
	sortDraftsNewestFirst(out)
	return out, nil
}

// Search filters drafts by a substring of the filename or an id prefix.
func (d *DraftStore) Search(ctx context.Context, query string) ([]*Draft, error) {
	all, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(query)
	out := make([]*Draft, 0, len(all))
	for _, draft := range all {
		if strings.Contains(strings.ToLower(draft.Filename), query) ||
			strings.HasPrefix(draft.DraftID, query) ||
			strings.HasPrefix(draft.FileID, query) {
			out = append(out, draft)
		}
	}
	return out, nil
}

// AddChunks appends chunks to an existing draft.
func (d *DraftStore) AddChunks(ctx context.Context, draftID string, chunks []Chunk) (*Draft, error) {
	draft, err := d.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		if chunks[i].ChunkID == "" {
			chunks[i].ChunkID = uuid.NewString()
		}
	}
	draft.Chunks = append(draft.Chunks, chunks...)
	return draft, d.save(ctx, draft)
}

// UpdateChunk replaces the question/answer/metadata of one chunk.
func (d *DraftStore) UpdateChunk(ctx context.Context, draftID string, chunk Chunk) (*Draft, error) {
	draft, err := d.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	for i := range draft.Chunks {
		if draft.Chunks[i].ChunkID == chunk.ChunkID {
			draft.Chunks[i] = chunk
			return draft, d.save(ctx, draft)
		}
	}
	return nil, ErrChunkNotFound
}

// UpdateMetadataBatch applies one metadata record to a set of chunks.
func (d *DraftStore) UpdateMetadataBatch(ctx context.Context, draftID string, chunkIDs []string, md runstate.DocMetadata) (*Draft, error) {
	draft, err := d.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		wanted[id] = true
	}
	touched := 0
	for i := range draft.Chunks {
		if wanted[draft.Chunks[i].ChunkID] {
			draft.Chunks[i].Metadata = md
			touched++
		}
	}
	if touched == 0 {
		return nil, ErrChunkNotFound
	}
	return draft, d.save(ctx, draft)
}

// DeleteChunk removes one chunk from a draft.
func (d *DraftStore) DeleteChunk(ctx context.Context, draftID, chunkID string) (*Draft, error) {
	draft, err := d.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	for i := range draft.Chunks {
		if draft.Chunks[i].ChunkID == chunkID {
			draft.Chunks = append(draft.Chunks[:i], draft.Chunks[i+1:]...)
			return draft, d.save(ctx, draft)
		}
	}
	return nil, ErrChunkNotFound
}

// Delete removes the draft entirely.
func (d *DraftStore) Delete(ctx context.Context, draftID string) error {
	pipe := d.rdb.TxPipeline()
	del := pipe.Del(ctx, draftPrefix+draftID)
	pipe.SRem(ctx, draftIndex, draftID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if del.Val() == 0 {
		return ErrDraftNotFound
	}
	return nil
}

// Clear drops every draft. Used by tests and the operator CLI.
func (d *DraftStore) Clear(ctx context.Context) error {
	ids, err := d.rdb.SMembers(ctx, draftIndex).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := d.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, draftPrefix+id)
	}
	pipe.Del(ctx, draftIndex)
	_, err = pipe.Exec(ctx)
	return err
}

func (d *DraftStore) save(ctx context.Context, draft *Draft) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	pipe := d.rdb.TxPipeline()
	pipe.Set(ctx, draftPrefix+draft.DraftID, raw, d.ttl)
	pipe.SAdd(ctx, draftIndex, draft.DraftID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func sortDraftsNewestFirst(drafts []*Draft) {
	sort.SliceStable(drafts, func(i, j int) bool {
		return drafts[i].CreatedAt.After(drafts[j].CreatedAt)
	})
}
