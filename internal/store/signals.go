package store

import (
	"context"
	"fmt"
	"strings"
)

// SignalKey identifies a signal for deduplication.
type SignalKey struct {
	Symbol    string
	Timeframe string
	SourceTs  int64
	Kind      string // ARM|DISARM
}

func (k SignalKey) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", k.Symbol, k.Timeframe, k.SourceTs, k.Kind)
}

// MarkSignalProcessed records k. It returns false when k was already
// recorded, in which case the caller must not act on the signal again.
func (s *Store) MarkSignalProcessed(ctx context.Context, k SignalKey, streamID string) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_signals (symbol, timeframe, source_ts, kind, stream_id, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, strings.ToUpper(k.Symbol), k.Timeframe, k.SourceTs, strings.ToUpper(k.Kind), streamID, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("mark signal %s: %w", k, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PruneProcessedSignals drops dedup rows older than cutoffMs.
func (s *Store) PruneProcessedSignals(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM processed_signals WHERE processed_at < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("prune processed signals: %w", err)
	}
	return res.RowsAffected()
}
