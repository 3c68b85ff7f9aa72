package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"answercore/internal/ingest"
	"answercore/internal/runstate"
)

type chunkPayload struct {
	ChunkID  string               `json:"chunk_id"`
	Question string               `json:"question" validate:"required"`
	Answer   string               `json:"answer" validate:"required"`
	Metadata runstate.DocMetadata `json:"metadata"`
}

func (p chunkPayload) toChunk() ingest.Chunk {
	return ingest.Chunk{
		ChunkID:  p.ChunkID,
		Question: p.Question,
		Answer:   p.Answer,
		Metadata: p.Metadata,
	}
}

func toChunks(payloads []chunkPayload) []ingest.Chunk {
	out := make([]ingest.Chunk, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, p.toChunk())
	}
	return out
}

// ingestUpload parses a multipart knowledge file into a staged draft.
func (s *Server) ingestUpload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return validationError("multipart field \"file\" is required", nil)
	}
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	chunks, err := ingest.ParseUpload(fh.Filename, src)
	if err != nil {
		return validationError(err.Error(), nil)
	}
	draft, err := s.app.Drafts.Create(c.Request().Context(), fh.Filename, chunks)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, draft)
}

type draftCreateRequest struct {
	Filename string         `json:"filename"`
	Chunks   []chunkPayload `json:"chunks" validate:"required,min=1,dive"`
}

func (s *Server) draftCreate(c echo.Context) error {
	var req draftCreateRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	draft, err := s.app.Drafts.Create(c.Request().Context(), req.Filename, toChunks(req.Chunks))
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, draft)
}

func (s *Server) draftList(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		drafts []*ingest.Draft
		err    error
	)
	if q := c.QueryParam("search"); q != "" {
		drafts, err = s.app.Drafts.Search(ctx, q)
	} else {
		drafts, err = s.app.Drafts.List(ctx)
	}
	if err != nil {
		return err
	}

	limit, offset := pageParams(c, 50)
	total := len(drafts)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return respondPage(c, drafts[offset:end], limit, offset, total)
}

func (s *Server) draftGet(c echo.Context) error {
	draft, err := s.app.Drafts.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, draft)
}

type draftUpdateRequest struct {
	Chunks []chunkPayload `json:"chunks" validate:"required,min=1,dive"`
}

// draftUpdate bulk-edits existing chunks. Each chunk must carry its id.
func (s *Server) draftUpdate(c echo.Context) error {
	var req draftUpdateRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	var draft *ingest.Draft
	var err error
	for _, p := range req.Chunks {
		if p.ChunkID == "" {
			return validationError("chunk_id is required when updating chunks", nil)
		}
		if draft, err = s.app.Drafts.UpdateChunk(ctx, c.Param("id"), p.toChunk()); err != nil {
			return err
		}
	}
	return respond(c, http.StatusOK, draft)
}

func (s *Server) draftDelete(c echo.Context) error {
	if err := s.app.Drafts.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return respond(c, http.StatusOK, map[string]string{"draft_id": c.Param("id"), "status": "deleted"})
}

type chunkAddRequest struct {
	Chunks []chunkPayload `json:"chunks" validate:"required,min=1,dive"`
}

func (s *Server) chunkAdd(c echo.Context) error {
	var req chunkAddRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	draft, err := s.app.Drafts.AddChunks(c.Request().Context(), c.Param("id"), toChunks(req.Chunks))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, draft)
}

func (s *Server) chunkUpdate(c echo.Context) error {
	var req chunkPayload
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	ch := req.toChunk()
	ch.ChunkID = c.Param("chunk_id")
	draft, err := s.app.Drafts.UpdateChunk(c.Request().Context(), c.Param("id"), ch)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, draft)
}

func (s *Server) chunkDelete(c echo.Context) error {
	draft, err := s.app.Drafts.DeleteChunk(c.Request().Context(), c.Param("id"), c.Param("chunk_id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, draft)
}

type metadataRequest struct {
	ChunkIDs []string             `json:"chunk_ids"`
	Metadata runstate.DocMetadata `json:"metadata" validate:"required"`
}

// draftMetadata applies one metadata record to the listed chunks, or to
// every chunk when chunk_ids is empty.
func (s *Server) draftMetadata(c echo.Context) error {
	var req metadataRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	draft, err := s.app.Drafts.UpdateMetadataBatch(c.Request().Context(), c.Param("id"), req.ChunkIDs, req.Metadata)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, draft)
}

type commitRequest struct {
	DraftID string `json:"draft_id" validate:"required"`
}

func (s *Server) ingestCommit(c echo.Context) error {
	var req commitRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	result, err := s.app.Committer.Commit(c.Request().Context(), req.DraftID)
	if err != nil && !errors.Is(err, ingest.ErrPartialFailure) {
		return err
	}
	// Partial failures still return the full per-item report.
	return respond(c, http.StatusOK, result)
}

func pageParams(c echo.Context, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := intParam(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := intParam(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func intParam(v string) (int, error) { return strconv.Atoi(v) }
