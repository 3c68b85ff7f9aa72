package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"answercore/internal/embedding"
	"answercore/internal/events"
	"answercore/internal/store"
)

var (
	// ErrDraftCommitting rejects a second commit while one is in flight.
	ErrDraftCommitting = errors.New("ingest: draft commit already in progress")
	// ErrPartialFailure marks a commit in which some items failed. The
	// result still reports every item; nothing is rolled back.
	ErrPartialFailure = errors.New("ingest: some chunks failed to index")
)

const (
	commitLockPrefix = "ingest:commit:"
	commitLockTTL    = 5 * time.Minute
	defaultBatchSize = 32
)

// Item statuses in a commit result.
const (
	StatusIndexed = "indexed"
	StatusSkipped = "skipped_duplicate"
	StatusFailed  = "failed"
)

// ItemResult is one chunk's commit outcome.
type ItemResult struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID int64  `json:"document_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// CommitResult summarizes a commit.
type CommitResult struct {
	DraftID string       `json:"draft_id"`
	Indexed int          `json:"indexed"`
	Skipped int          `json:"skipped"`
	Failed  int          `json:"failed"`
	Items   []ItemResult `json:"items"`
}

// Committer turns a staged draft into indexed documents.
type Committer struct {
	Drafts    *DraftStore
	Store     *store.Store
	Embedder  embedding.Engine
	Locker    redis.UniversalClient
	Events    events.Sink
	BatchSize int
	Logger    *zap.Logger
}

// Commit validates, embeds, and writes every chunk of the draft. The draft
// is deleted only when every chunk landed; partial failures keep it staged
// so the operator can retry after fixing the cause.
func (c *Committer) Commit(ctx context.Context, draftID string) (*CommitResult, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := c.Events
	if sink == nil {
		sink = events.Nop()
	}

	locked, err := c.Locker.SetNX(ctx, commitLockPrefix+draftID, "1", commitLockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire commit lock: %w", err)
	}
	if !locked {
		return nil, ErrDraftCommitting
	}
	defer c.Locker.Del(context.WithoutCancel(ctx), commitLockPrefix+draftID)

	draft, err := c.Drafts.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if err := validateChunks(draft.Chunks); err != nil {
		return nil, err
	}

	batch := c.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	result := &CommitResult{DraftID: draftID}
	for start := 0; start < len(draft.Chunks); start += batch {
		end := start + batch
		if end > len(draft.Chunks) {
			end = len(draft.Chunks)
		}
		c.commitBatch(ctx, draft, draft.Chunks[start:end], result, sink, logger)
	}

	logger.Info("draft commit finished",
		zap.String("draft_id", draftID),
		zap.Int("indexed", result.Indexed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))

	if result.Failed > 0 {
		return result, ErrPartialFailure
	}
	if err := c.Drafts.Delete(ctx, draftID); err != nil && !errors.Is(err, ErrDraftNotFound) {
		return result, err
	}
	return result, nil
}

func (c *Committer) commitBatch(ctx context.Context, draft *Draft, chunks []Chunk, result *CommitResult, sink events.Sink, logger *zap.Logger) {
	contents := make([]string, len(chunks))
	for i, ch := range chunks {
		contents[i] = Content(ch)
	}
	vectors, err := c.Embedder.EmbedBatch(ctx, contents)
	if err != nil {
		// The whole batch fails together; later batches still run.
		for _, ch := range chunks {
			c.fail(ctx, result, sink, draft, ch, fmt.Errorf("embed batch: %w", err))
		}
		return
	}

	for i, ch := range chunks {
		md := ch.Metadata
		if md.SourceDocument == "" {
			md.SourceDocument = draft.Filename
		}
		id, err := c.Store.InsertDocument(ctx, contents[i], md)
		if errors.Is(err, store.ErrDuplicateContent) {
			result.Skipped++
			result.Items = append(result.Items, ItemResult{ChunkID: ch.ChunkID, DocumentID: id, Status: StatusSkipped})
			continue
		}
		if err != nil {
			c.fail(ctx, result, sink, draft, ch, err)
			continue
		}
		if err := c.Store.UpsertVector(ctx, id, vectors[i], md.Category, md.Intent, md.SourceDocument); err != nil {
			c.fail(ctx, result, sink, draft, ch, err)
			continue
		}
		result.Indexed++
		result.Items = append(result.Items, ItemResult{ChunkID: ch.ChunkID, DocumentID: id, Status: StatusIndexed})
		sink.Emit(ctx, events.New(events.TypeDocumentIndexed, map[string]any{
			"draft_id":    draft.DraftID,
			"chunk_id":    ch.ChunkID,
			"document_id": id,
			"filename":    draft.Filename,
			"category":    md.Category,
		}))
	}
}

func (c *Committer) fail(ctx context.Context, result *CommitResult, sink events.Sink, draft *Draft, ch Chunk, err error) {
	result.Failed++
	result.Items = append(result.Items, ItemResult{ChunkID: ch.ChunkID, Status: StatusFailed, Error: err.Error()})
	sink.Emit(ctx, events.New(events.TypeDocumentFailed, map[string]any{
		"draft_id": draft.DraftID,
		"chunk_id": ch.ChunkID,
		"filename": draft.Filename,
		"error":    err.Error(),
	}))
}

// Content renders a chunk the way documents are stored and searched.
func Content(ch Chunk) string {
	return "Question: " + ch.Question + "\nAnswer: " + ch.Answer
}

func validateChunks(chunks []Chunk) error {
	if len(chunks) == 0 {
		return errors.New("ingest: draft has no chunks")
	}
	for _, ch := range chunks {
		if ch.Question == "" || ch.Answer == "" {
			return fmt.Errorf("ingest: chunk %s is missing question or answer", ch.ChunkID)
		}
	}
	return nil
}
