package api

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/rs/zerolog"
)

// ResultStore keeps the latest poll result of every (device, range) pair.
// It implements domain.ResultSink so the poller can feed it directly.
type ResultStore struct {
	results map[string]*domain.PollResult
	mutex   sync.RWMutex
	logger  zerolog.Logger
}

// NewResultStore creates an empty result store.
func NewResultStore(logger zerolog.Logger) *ResultStore {
	return &ResultStore{
		results: make(map[string]*domain.PollResult),
		logger:  logger.With().Str("component", "result_store").Logger(),
	}
}

func resultKey(deviceID string, start int) string {
	return fmt.Sprintf("%s_%d", deviceID, start)
}

// Connect implements domain.ResultSink.
func (s *ResultStore) Connect() error {
	return nil
}

// Send stores result, replacing the previous one for the same range.
func (s *ResultStore) Send(_ context.Context, result *domain.PollResult) error {
	if result == nil {
		return nil
	}

	key := resultKey(result.DeviceID, result.Range.Start)

	s.mutex.Lock()
	s.results[key] = result
	s.mutex.Unlock()

	s.logger.Trace().
		Str("key", key).
		Str("cookie", string(result.Cookie)).
		Msg("Stored poll result")
	return nil
}

// Close implements domain.ResultSink.
func (s *ResultStore) Close() error {
	return nil
}

// Latest returns the stored results sorted by device and start register.
func (s *ResultStore) Latest() []*domain.PollResult {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]*domain.PollResult, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Range.Start < out[j].Range.Start
	})
	return out
}

// Count returns the number of stored results.
func (s *ResultStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.results)
}
