package rowstore

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

// EvictUnder evicts the lowest-scoring eligible rows until estimated usage
// drops to targetBytes or candidates run out. Dirty rows and rows modified
// within the protection window are never candidates. Returns the number of
// evicted rows and the bytes freed.
func (s *Store) EvictUnder(ctx context.Context, targetBytes int64) (int, int64, error) {
	usage, err := s.db.UsageBytes(ctx)
	if err != nil {
		return 0, 0, err
	}
	if usage <= targetBytes {
		return 0, 0, nil
	}

	cutoff := time.Now().UTC().Add(-s.cfg.ProtectionWindow)
	candidates, err := s.db.EvictionCandidates(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	// Lowest score evicts first.
	sort.Slice(candidates, func(i, j int) bool {
		return s.score(&candidates[i]) < s.score(&candidates[j])
	})

	var evicted int
	var freed int64
	touched := make(map[string][]string)
	for i := range candidates {
		if usage-freed <= targetBytes {
			break
		}
		row := &candidates[i]
		if err := s.db.DeleteRow(ctx, row.Table, row.Key); err != nil {
			return evicted, freed, err
		}
		touched[row.Table] = append(touched[row.Table], row.Key)
		freed += int64(len(row.Payload))
		evicted++
	}

	for table, keys := range touched {
		s.Forget(table, keys)
	}

	if evicted > 0 {
		slog.Info("evicted rows",
			"component", "rowstore",
			"evicted", evicted,
			"freed_bytes", freed,
			"target_bytes", targetBytes,
		)
	}
	return evicted, freed, nil
}

// score blends access frequency and recency. Higher scores are more
// valuable and evict last.
func (s *Store) score(row *types.Row) float64 {
	return s.cfg.FrequencyWeight*float64(row.AccessCount) +
		s.cfg.RecencyWeight*recencyFactor(row.LastAccessedAt)
}

// recencyFactor maps time-since-access to (0, 1]: 1 for just-accessed,
// decaying hyperbolically with age in hours.
func recencyFactor(lastAccessedAt time.Time) float64 {
	age := time.Since(lastAccessedAt)
	if age < 0 {
		age = 0
	}
	return 1 / (1 + age.Hours())
}
