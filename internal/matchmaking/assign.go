package matchmaking

import (
	"context"
	"fmt"
	"time"
)

// commit 把本 tick 所有提案的移除送進單一原子交易
//
// 每組提案兩筆移除（CAT、DOG），只有兩筆都成功才升級為 ConfirmedMatch。
// 玩家在讀取與提交之間取消時，該側移除失敗，整組丟棄；
// 成功移除的另一側不重新入列。
func (s *Service) commit(ctx context.Context, candidates []MatchCandidate, now time.Time) ([]ConfirmedMatch, []BrokenPair, error) {
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	removals := make([]Removal, 0, len(candidates)*2)
	for _, c := range candidates {
		removals = append(removals,
			Removal{Faction: FactionCat, PlayerID: c.Cat.PlayerID},
			Removal{Faction: FactionDog, PlayerID: c.Dog.PlayerID},
		)
	}

	results, err := s.queue.RemoveMany(ctx, removals)
	if err != nil {
		return nil, nil, fmt.Errorf("commit match removals: %w", err)
	}
	if len(results) != len(removals) {
		return nil, nil, fmt.Errorf("commit match removals: got %d results for %d removals", len(results), len(removals))
	}

	var (
		confirmed []ConfirmedMatch
		broken    []BrokenPair
	)
	for i, c := range candidates {
		catRemoved, dogRemoved := results[i*2], results[i*2+1]
		if catRemoved && dogRemoved {
			confirmed = append(confirmed, ConfirmedMatch{MatchCandidate: c, ConfirmedAt: now})
			continue
		}
		broken = append(broken, BrokenPair{Candidate: c, CatRemoved: catRemoved, DogRemoved: dogRemoved})
	}

	for _, b := range broken {
		s.dropBrokenPair(ctx, b)
	}

	return confirmed, broken, nil
}

// dropBrokenPair 處理只有一側移除成功的提案
//
// 已移除的一側不會回到佇列，只清除其旗標讓玩家可以重新加入。
func (s *Service) dropBrokenPair(ctx context.Context, b BrokenPair) {
	s.logger.WarnContext(ctx, "match candidate discarded",
		"cat_player", b.Candidate.Cat.PlayerID,
		"cat_removed", b.CatRemoved,
		"dog_player", b.Candidate.Dog.PlayerID,
		"dog_removed", b.DogRemoved)

	if b.CatRemoved {
		s.clearFlag(b.Candidate.Cat.PlayerID)
	}
	if b.DogRemoved {
		s.clearFlag(b.Candidate.Dog.PlayerID)
	}
}

func (s *Service) clearFlag(playerID string) {
	if p, ok := s.directory.LookupPlayer(playerID); ok {
		p.EndMatchmaking()
	}
}
