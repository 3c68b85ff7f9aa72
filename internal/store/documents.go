package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"answercore/internal/runstate"
)

// ErrDuplicateContent reports an insert whose content already exists. Ingest
// treats it as an elision, not a failure.
var ErrDuplicateContent = errors.New("store: document content already exists")

// ErrNotFound is returned by point lookups across the store.
var ErrNotFound = errors.New("store: not found")

// Document is one retrieval unit in the row store.
type Document struct {
	ID        int64
	Content   string
	Metadata  runstate.DocMetadata
	CreatedAt time.Time
}

// ScoredDocument is a search candidate with its backend score: cosine
// similarity from vector search, BM25 from lexical search.
type ScoredDocument struct {
	Document
	Score float64
}

// InsertDocument stores content+metadata and returns the new row id. An
// existing row with identical content returns ErrDuplicateContent along with
// the existing id.
func (s *Store) InsertDocument(ctx context.Context, content string, md runstate.DocMetadata) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("store: document content is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE content = ?`, content).Scan(&existing)
	switch {
	case err == nil:
		return existing, ErrDuplicateContent
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("check duplicate content: %w", err)
	}

	mdJSON, err := json.Marshal(md)
	if err != nil {
		return 0, fmt.Errorf("marshal document metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (content, metadata, created_at) VALUES (?, ?, ?)`,
		content, string(mdJSON), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read document id: %w", err)
	}
	return id, nil
}

// UpsertVector attaches the embedding and the reduced payload to a document
// row. When sqlite-vec is available the point also lands in the ANN index.
func (s *Store) UpsertVector(ctx context.Context, docID int64, embedding []float32, category, intent, source string) error {
	if len(embedding) != s.dim {
		return fmt.Errorf("store: embedding dimension %d, want %d", len(embedding), s.dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	blob := encodeVector(embedding)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_vectors (document_id, embedding, dim, category, intent, source)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			embedding = excluded.embedding,
			dim       = excluded.dim,
			category  = excluded.category,
			intent    = excluded.intent,
			source    = excluded.source`,
		docID, blob, s.dim, category, intent, source)
	if err != nil {
		return fmt.Errorf("upsert vector for document %d: %w", docID, err)
	}

	if s.vectorExt {
		if err := s.ensureVecTable(ctx); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM documents_vec WHERE rowid = ?`, docID); err != nil {
			return fmt.Errorf("refresh vec index for document %d: %w", docID, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO documents_vec (rowid, embedding) VALUES (?, ?)`, docID, blob); err != nil {
			return fmt.Errorf("index vector for document %d: %w", docID, err)
		}
	}
	return nil
}

// ensureVecTable lazily creates the vec0 index at the configured dimension.
func (s *Store) ensureVecTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS documents_vec USING vec0(embedding float[%d])", s.dim))
	if err != nil {
		return fmt.Errorf("create vec index: %w", err)
	}
	return nil
}

// GetDocument loads one row with its metadata.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		doc     Document
		mdJSON  string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, metadata, created_at FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.Content, &mdJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(mdJSON), &doc.Metadata); err != nil {
		s.logger.Warn("document metadata unparseable", zap.Int64("id", id), zap.Error(err))
	}
	doc.CreatedAt = time.Unix(0, created)
	return &doc, nil
}

// CountDocuments returns the corpus size.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// VectorSearch returns the topK nearest documents by cosine similarity,
// optionally restricted to a category. The sqlite-vec path queries the ANN
// index; otherwise every stored vector is scanned.
func (s *Store) VectorSearch(ctx context.Context, query []float32, topK int, category string) ([]ScoredDocument, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("store: query dimension %d, want %d", len(query), s.dim)
	}
	if topK <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		return s.vectorSearchANN(ctx, query, topK, category)
	}
	return s.vectorSearchScan(ctx, query, topK, category)
}

func (s *Store) vectorSearchANN(ctx context.Context, query []float32, topK int, category string) ([]ScoredDocument, error) {
	if err := s.ensureVecTable(ctx); err != nil {
		return nil, err
	}
	// Over-fetch when filtering: the ANN index has no category column, so
	// filtering happens on the joined payload row.
	limit := topK
	if category != "" {
		limit = topK * 4
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.rowid, d.content, d.metadata, dv.category, vec_distance_cosine(v.embedding, ?) AS dist
		FROM documents_vec v
		JOIN documents d ON d.id = v.rowid
		JOIN document_vectors dv ON dv.document_id = v.rowid
		ORDER BY dist ASC
		LIMIT ?`, encodeVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ScoredDocument
	for rows.Next() {
		var (
			sd     ScoredDocument
			mdJSON string
			cat    string
			dist   float64
		)
		if err := rows.Scan(&sd.ID, &sd.Content, &mdJSON, &cat, &dist); err != nil {
			return nil, fmt.Errorf("scan vector result: %w", err)
		}
		if category != "" && cat != category {
			continue
		}
		_ = json.Unmarshal([]byte(mdJSON), &sd.Metadata)
		sd.Score = 1 - dist
		out = append(out, sd)
		if len(out) == topK {
			break
		}
	}
	return out, rows.Err()
}

// vectorSearchScan is the extension-free fallback: cosine over every vector.
func (s *Store) vectorSearchScan(ctx context.Context, query []float32, topK int, category string) ([]ScoredDocument, error) {
	q := `
		SELECT dv.document_id, d.content, d.metadata, dv.embedding
		FROM document_vectors dv
		JOIN documents d ON d.id = dv.document_id`
	args := []any{}
	if category != "" {
		q += ` WHERE dv.category = ?`
		args = append(args, category)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var out []ScoredDocument
	for rows.Next() {
		var (
			sd     ScoredDocument
			mdJSON string
			blob   []byte
		)
		if err := rows.Scan(&sd.ID, &sd.Content, &mdJSON, &blob); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		emb := decodeVector(blob)
		if len(emb) != len(query) {
			continue
		}
		_ = json.Unmarshal([]byte(mdJSON), &sd.Metadata)
		sd.Score = cosine(query, emb)
		out = append(out, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// LexicalSearch runs a full-text query over the language-appropriate FTS
// index ("ru" selects the Russian tokenizer, anything else English) and
// returns BM25-ranked candidates. Without FTS5 it degrades to a LIKE scan
// with a term-count score.
func (s *Store) LexicalSearch(ctx context.Context, query string, topK int, language, category string) ([]ScoredDocument, error) {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ftsExt {
		return s.lexicalSearchFTS(ctx, query, topK, language, category)
	}
	return s.lexicalSearchLike(ctx, query, topK, category)
}

func (s *Store) lexicalSearchFTS(ctx context.Context, query string, topK int, language, category string) ([]ScoredDocument, error) {
	table := "documents_fts_en"
	if language == "ru" {
		table = "documents_fts_ru"
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	// bm25() is ascending-better; negate so higher is better like the
	// vector leg.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT f.rowid, d.content, d.metadata, -bm25(%s) AS score
		FROM %s f
		JOIN documents d ON d.id = f.rowid
		WHERE %s MATCH ?
		ORDER BY score DESC
		LIMIT ?`, table, table, table), match, topK*4)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()
	return s.collectLexical(rows, topK, category)
}

func (s *Store) lexicalSearchLike(ctx context.Context, query string, topK int, category string) ([]ScoredDocument, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	var (
		conds []string
		args  []any
	)
	for _, t := range terms {
		conds = append(conds, "lower(d.content) LIKE ?")
		args = append(args, "%"+t+"%")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.content, d.metadata, 0
		FROM documents d
		WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		return nil, fmt.Errorf("lexical scan: %w", err)
	}
	defer rows.Close()

	out, err := s.collectLexical(rows, 0, category)
	if err != nil {
		return nil, err
	}
	// Score by matched-term count since there is no BM25 here.
	for i := range out {
		lc := strings.ToLower(out[i].Content)
		n := 0
		for _, t := range terms {
			if strings.Contains(lc, t) {
				n++
			}
		}
		out[i].Score = float64(n) / float64(len(terms))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *Store) collectLexical(rows *sql.Rows, topK int, category string) ([]ScoredDocument, error) {
	var out []ScoredDocument
	for rows.Next() {
		var (
			sd     ScoredDocument
			mdJSON string
		)
		if err := rows.Scan(&sd.ID, &sd.Content, &mdJSON, &sd.Score); err != nil {
			return nil, fmt.Errorf("scan lexical result: %w", err)
		}
		_ = json.Unmarshal([]byte(mdJSON), &sd.Metadata)
		if category != "" && sd.Metadata.Category != category {
			continue
		}
		out = append(out, sd)
		if topK > 0 && len(out) == topK {
			break
		}
	}
	return out, rows.Err()
}

// DistinctTaxonomy reads every (category, intent) pair present in document
// metadata, feeding the taxonomy registry.
func (s *Store) DistinctTaxonomy(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT
			json_extract(metadata, '$.category'),
			json_extract(metadata, '$.intent')
		FROM documents
		WHERE json_extract(metadata, '$.category') IS NOT NULL
		  AND json_extract(metadata, '$.category') <> ''`)
	if err != nil {
		return nil, fmt.Errorf("distinct taxonomy: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var category string
		var intent sql.NullString
		if err := rows.Scan(&category, &intent); err != nil {
			return nil, fmt.Errorf("scan taxonomy row: %w", err)
		}
		vals := out[category]
		if intent.Valid && intent.String != "" && !containsString(vals, intent.String) {
			vals = append(vals, intent.String)
		}
		out[category] = vals
	}
	return out, rows.Err()
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// ftsQuery quotes each term so user punctuation cannot break MATCH syntax.
func ftsQuery(q string) string {
	terms := tokenize(q)
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}

func tokenize(q string) []string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && !('а' <= r && r <= 'я') && r != 'ё'
	})
	var out []string
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// encodeVector packs float32s little-endian; the layout sqlite-vec expects.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
