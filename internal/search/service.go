package search

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// RecordLoader supplies every task for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]TaskRecord, error)
}

// Service is the facade that tries the index first and falls back to the
// always-available searcher.
type Service struct {
	index    Indexer
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is not
// configured.
func NewService(index Indexer, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: index, fallback: fallback, logger: logger}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	q.Limit = clampLimit(q.Limit)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("index search failed, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTask pushes a task to the index without blocking the caller.
func (s *Service) IndexTask(record TaskRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.IndexTasks([]TaskRecord{record}); err != nil {
			s.logger.Warn("index task", zap.String("task_id", record.ID), zap.Error(err))
		}
	}()
}

// DeleteTask removes a task from the index without blocking the caller.
func (s *Service) DeleteTask(id string) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.DeleteTask(id); err != nil {
			s.logger.Warn("delete task from index", zap.String("task_id", id), zap.Error(err))
		}
	}()
}

// Reindex loads every task and pushes it to the index in one batch.
func (s *Service) Reindex(ctx context.Context, loader RecordLoader) error {
	if s.index == nil || !s.index.Healthy() || loader == nil {
		return nil
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	if err := s.index.IndexTasks(records); err != nil {
		return err
	}
	s.logger.Info("search reindex complete", zap.Int("tasks", len(records)))
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
