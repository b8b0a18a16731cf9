package matchmaking

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
)

// evict 淘汰等待超過 MaxWait 的項目
//
// 必須在配對之前完成。超時項目一律從本 tick 的配對輸入中剔除；
// 只有被本次交易實際移除的項目才會清除旗標並通知，
// 因此同一項目即使被多個 tick 看到，也只會通知一次。
func (s *Service) evict(ctx context.Context, fronts map[Faction][]QueueEntry, now time.Time) (map[Faction][]QueueEntry, []QueueEntry, error) {
	kept := make(map[Faction][]QueueEntry, len(fronts))
	var stale []QueueEntry

	for _, f := range Factions {
		for _, e := range fronts[f] {
			if e.Age(now) >= s.maxWait {
				stale = append(stale, e)
				continue
			}
			kept[f] = append(kept[f], e)
		}
	}

	if len(stale) == 0 {
		return kept, nil, nil
	}

	removals := make([]Removal, len(stale))
	for i, e := range stale {
		removals[i] = Removal{Faction: e.Faction, PlayerID: e.PlayerID}
	}

	results, err := s.queue.RemoveMany(ctx, removals)
	if err != nil {
		return nil, nil, fmt.Errorf("remove timed out entries: %w", err)
	}
	if len(results) != len(removals) {
		return nil, nil, fmt.Errorf("remove timed out entries: got %d results for %d removals", len(results), len(removals))
	}

	var evicted []QueueEntry
	for i, e := range stale {
		if !results[i] {
			// 已被取消或被其他 tick 處理
			continue
		}
		evicted = append(evicted, e)
		s.notifyTimeout(ctx, e)
	}

	return kept, evicted, nil
}

// notifyTimeout 清除旗標並送出超時通知
func (s *Service) notifyTimeout(ctx context.Context, e QueueEntry) {
	s.logger.InfoContext(ctx, "match timeout",
		"player_id", e.PlayerID,
		"faction", e.Faction,
		"waited", s.now().Sub(e.EnqueuedAt))

	if err := s.recorder.EntryTimedOut(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "record timeout failed", "player_id", e.PlayerID, "error", err)
	}

	player, ok := s.directory.LookupPlayer(e.PlayerID)
	if !ok {
		return
	}
	player.EndMatchmaking()

	payload := MatchTimeoutPayload{
		ErrorCode:    apperrors.ErrCodeMatchTimeout,
		ErrorMessage: apperrors.ErrMatchTimeout.Message,
	}
	if err := s.notifier.Notify(ctx, player, EventMatchTimeout, payload); err != nil {
		s.logger.ErrorContext(ctx, "send timeout notification failed", "player_id", e.PlayerID, "error", err)
	}
}
