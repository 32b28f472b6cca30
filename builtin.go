// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job type tags of the built-in job variants.
const (
	TypeDocumentProcessing  = "document.process"
	TypeEmbeddingGeneration = "embedding.generate"
	TypeFileIndexing        = "file.index"
)

const (
	defaultMaxRetries   = 3
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	embeddingBatchSize  = 16
)

// jobSpec carries the fields shared by the built-in job variants.
type jobSpec struct {
	id         string
	priority   Priority
	payload    map[string]interface{}
	maxRetries int
	timeout    time.Duration
}

func (s jobSpec) ID() string                      { return s.id }
func (s jobSpec) Priority() Priority              { return s.priority }
func (s jobSpec) Payload() map[string]interface{} { return s.payload }
func (s jobSpec) MaxRetries() int                 { return s.maxRetries }
func (s jobSpec) Timeout() time.Duration          { return s.timeout }

func newJobSpec(payload map[string]interface{}, options []JobOption) jobSpec {
	s := jobSpec{
		id:         uuid.NewString(),
		priority:   PriorityNormal,
		payload:    payload,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

func specFromEnvelope(e *Envelope) jobSpec {
	return jobSpec{
		id:         e.ID,
		priority:   e.Priority,
		payload:    e.Payload,
		maxRetries: e.MaxRetries,
		timeout:    e.Timeout(),
	}
}

// JobOption configures a built-in job at construction time.
type JobOption func(*jobSpec)

// WithID overrides the generated job identifier.
func WithID(id string) JobOption {
	return func(s *jobSpec) {
		s.id = id
	}
}

// WithPriority sets the dispatch priority. Default is PriorityNormal.
func WithPriority(p Priority) JobOption {
	return func(s *jobSpec) {
		s.priority = p
	}
}

// WithMaxRetries sets how often a failed execution is retried.
func WithMaxRetries(n int) JobOption {
	return func(s *jobSpec) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithTimeout sets the per-attempt execution deadline.
func WithTimeout(d time.Duration) JobOption {
	return func(s *jobSpec) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// -- Document processing --

// DocumentProcessingJob splits a text into overlapping chunks, the way
// documents are prepared before they are embedded and indexed.
type DocumentProcessingJob struct {
	jobSpec
}

// NewDocumentProcessingJob creates a job that chunks the given text.
// Pass zero for chunkSize or chunkOverlap to use the defaults.
func NewDocumentProcessingJob(text string, chunkSize, chunkOverlap int, options ...JobOption) *DocumentProcessingJob {
	payload := map[string]interface{}{"text": text}
	if chunkSize > 0 {
		payload["chunk_size"] = chunkSize
	}
	if chunkOverlap > 0 {
		payload["chunk_overlap"] = chunkOverlap
	}
	return &DocumentProcessingJob{jobSpec: newJobSpec(payload, options)}
}

// DecodeDocumentProcessingJob reconstructs the job from an envelope.
func DecodeDocumentProcessingJob(e *Envelope) (Job, error) {
	return &DocumentProcessingJob{jobSpec: specFromEnvelope(e)}, nil
}

func (j *DocumentProcessingJob) Type() string { return TypeDocumentProcessing }

func (j *DocumentProcessingJob) Execute(ctx context.Context) (*Result, error) {
	text := payloadString(j.payload, "text", "")
	if text == "" {
		return nil, errors.New("jobqueue: document job has no text")
	}
	chunkSize := payloadInt(j.payload, "chunk_size", defaultChunkSize)
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	overlap := payloadInt(j.payload, "chunk_overlap", defaultChunkOverlap)
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 5
	}
	step := chunkSize - overlap

	runes := []rune(text)
	chunks := 0
	for off := 0; off < len(runes); off += step {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := off + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks++
		if chunks%32 == 0 {
			ReportProgress(ctx, map[string]interface{}{
				"chunks": chunks,
				"offset": off,
			})
		}
		if end == len(runes) {
			break
		}
	}
	return &Result{
		JobID:   j.id,
		Success: true,
		Result: map[string]interface{}{
			"chunks":     chunks,
			"characters": len(runes),
			"chunk_size": chunkSize,
		},
	}, nil
}

// -- Embedding generation --

// Embedder turns a batch of texts into vectors. Implementations
// typically call out to an embedding model.
type Embedder func(ctx context.Context, texts []string) ([][]float64, error)

// EmbeddingGenerationJob runs a batch of texts through an embedder.
// The embedder is injected at construction or decode time; only the
// texts travel through the payload.
type EmbeddingGenerationJob struct {
	jobSpec
	embedder Embedder
}

// NewEmbeddingGenerationJob creates a job that embeds the given texts.
func NewEmbeddingGenerationJob(texts []string, embedder Embedder, options ...JobOption) *EmbeddingGenerationJob {
	payload := map[string]interface{}{"texts": texts}
	return &EmbeddingGenerationJob{
		jobSpec:  newJobSpec(payload, options),
		embedder: embedder,
	}
}

// EmbeddingGenerationDecoder returns a decoder that reconstructs
// embedding jobs around the given embedder.
func EmbeddingGenerationDecoder(embedder Embedder) DecodeFunc {
	return func(e *Envelope) (Job, error) {
		return &EmbeddingGenerationJob{
			jobSpec:  specFromEnvelope(e),
			embedder: embedder,
		}, nil
	}
}

func (j *EmbeddingGenerationJob) Type() string { return TypeEmbeddingGeneration }

func (j *EmbeddingGenerationJob) Execute(ctx context.Context) (*Result, error) {
	if j.embedder == nil {
		return nil, errors.New("jobqueue: embedding job has no embedder")
	}
	texts := payloadStrings(j.payload, "texts")
	if len(texts) == 0 {
		return nil, errors.New("jobqueue: embedding job has no texts")
	}

	vectors := 0
	dimensions := 0
	for off := 0; off < len(texts); off += embeddingBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := off + embeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := j.embedder(ctx, texts[off:end])
		if err != nil {
			return nil, fmt.Errorf("jobqueue: embedding batch at offset %d: %w", off, err)
		}
		vectors += len(batch)
		if dimensions == 0 && len(batch) > 0 {
			dimensions = len(batch[0])
		}
		ReportProgress(ctx, map[string]interface{}{
			"embedded": vectors,
			"total":    len(texts),
		})
	}
	return &Result{
		JobID:   j.id,
		Success: true,
		Result: map[string]interface{}{
			"vectors":    vectors,
			"dimensions": dimensions,
		},
	}, nil
}

// -- File indexing --

// FileIndexingJob walks a directory tree and tallies the files worth
// indexing, optionally filtered by extension.
type FileIndexingJob struct {
	jobSpec
}

// NewFileIndexingJob creates a job that indexes the tree rooted at
// root. Extensions filter the files, e.g. ".md"; leave empty to index
// everything.
func NewFileIndexingJob(root string, extensions []string, options ...JobOption) *FileIndexingJob {
	payload := map[string]interface{}{"root": root}
	if len(extensions) > 0 {
		payload["extensions"] = extensions
	}
	return &FileIndexingJob{jobSpec: newJobSpec(payload, options)}
}

// DecodeFileIndexingJob reconstructs the job from an envelope.
func DecodeFileIndexingJob(e *Envelope) (Job, error) {
	return &FileIndexingJob{jobSpec: specFromEnvelope(e)}, nil
}

func (j *FileIndexingJob) Type() string { return TypeFileIndexing }

func (j *FileIndexingJob) Execute(ctx context.Context) (*Result, error) {
	root := payloadString(j.payload, "root", "")
	if root == "" {
		return nil, errors.New("jobqueue: file indexing job has no root")
	}
	extensions := make(map[string]bool)
	for _, ext := range payloadStrings(j.payload, "extensions") {
		extensions[strings.ToLower(ext)] = true
	}

	var files, size int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(extensions) > 0 && !extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		size += info.Size()
		if files%100 == 0 {
			ReportProgress(ctx, map[string]interface{}{"files": files})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		JobID:   j.id,
		Success: true,
		Result: map[string]interface{}{
			"files": files,
			"bytes": size,
		},
	}, nil
}

// -- Func jobs --

// FuncJob wraps a plain function as a job. It is handy for tests and
// one-off tasks. A FuncJob only survives a restart if a decoder that
// rebuilds the function is registered for its type.
type FuncJob struct {
	jobSpec
	typ string
	fn  func(ctx context.Context) (*Result, error)
}

// NewFuncJob creates a job with the given type tag that runs fn.
func NewFuncJob(jobType string, fn func(ctx context.Context) (*Result, error), options ...JobOption) *FuncJob {
	return &FuncJob{
		jobSpec: newJobSpec(map[string]interface{}{}, options),
		typ:     jobType,
		fn:      fn,
	}
}

func (j *FuncJob) Type() string { return j.typ }

func (j *FuncJob) Execute(ctx context.Context) (*Result, error) {
	if j.fn == nil {
		return nil, errors.New("jobqueue: func job has no function")
	}
	return j.fn(ctx)
}

// RegisterBuiltins registers the decoders of the built-in job types.
// The embedder is handed to recovered embedding jobs; pass nil if
// embedding jobs are not used.
func RegisterBuiltins(r *Registry, embedder Embedder) error {
	if err := r.Register(TypeDocumentProcessing, DecodeDocumentProcessingJob); err != nil {
		return err
	}
	if err := r.Register(TypeFileIndexing, DecodeFileIndexingJob); err != nil {
		return err
	}
	return r.Register(TypeEmbeddingGeneration, EmbeddingGenerationDecoder(embedder))
}

// -- Payload helpers --

func payloadString(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func payloadInt(m map[string]interface{}, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func payloadStrings(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
