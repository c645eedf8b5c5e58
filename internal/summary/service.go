package summary

import (
	"context"
	"fmt"

	"github.com/matheus3301/wpphook/internal/store"
	"go.uber.org/zap"
)

// Cache holds summaries keyed by conversation id. Entries are rewritten or
// invalidated explicitly after every write to the conversation.
type Cache interface {
	Get(ctx context.Context, conversationID string) (*Summary, bool, error)
	Set(ctx context.Context, s *Summary) error
	Invalidate(ctx context.Context, conversationID string) error
}

// Service computes summaries from the record store, optionally through a cache.
type Service struct {
	store  store.Backend
	cache  Cache
	logger *zap.Logger
}

// NewService creates a summary service. cache may be nil.
func NewService(b store.Backend, cache Cache, logger *zap.Logger) *Service {
	return &Service{store: b, cache: cache, logger: logger}
}

// ForConversation returns the summary of one conversation, or store.ErrNotFound
// when it has no records.
func (s *Service) ForConversation(ctx context.Context, conversationID string) (*Summary, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, conversationID)
		if err != nil {
			s.logger.Warn("summary cache read failed", zap.String("wa_id", conversationID), zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}
	return s.Refresh(ctx, conversationID)
}

// Refresh recomputes a conversation's summary from the store and rewrites its
// cache entry.
func (s *Service) Refresh(ctx context.Context, conversationID string) (*Summary, error) {
	records, err := s.store.ListRecords(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	summaries := Summarize(records)
	if len(summaries) == 0 {
		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, conversationID); err != nil {
				s.logger.Warn("summary cache invalidate failed", zap.String("wa_id", conversationID), zap.Error(err))
			}
		}
		return nil, store.ErrNotFound
	}
	sum := &summaries[0]
	if s.cache != nil {
		if err := s.cache.Set(ctx, sum); err != nil {
			s.logger.Warn("summary cache write failed", zap.String("wa_id", conversationID), zap.Error(err))
		}
	}
	return sum, nil
}

// All returns every conversation's summary, most recent first.
func (s *Service) All(ctx context.Context) ([]Summary, error) {
	records, err := s.store.ListRecords(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	summaries := Summarize(records)
	Sort(summaries)
	return summaries, nil
}
