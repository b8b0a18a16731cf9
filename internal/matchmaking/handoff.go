package matchmaking

import (
	"context"
	"fmt"

	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
)

// handOff 把 ConfirmedMatch 交給遊戲房間
//
// 任一玩家查不到存活連線，或建立房間失敗，這組配對即遺失：
// 兩位玩家的佇列項目都已移除，不會自動重新入列，需要重新加入。
// 遺失只記錄給維運人員，不中斷循環。
func (s *Service) handOff(ctx context.Context, m ConfirmedMatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hand off panic: %v", r)
		}
		if err != nil {
			s.matchLost(ctx, m, err)
		}
	}()

	catID, dogID := m.Cat.PlayerID, m.Dog.PlayerID

	// 兩位玩家都已離開佇列
	cat, catOK := s.directory.LookupPlayer(catID)
	if catOK {
		cat.EndMatchmaking()
	}
	dog, dogOK := s.directory.LookupPlayer(dogID)
	if dogOK {
		dog.EndMatchmaking()
	}

	switch {
	case !catOK && !dogOK:
		return apperrors.ErrPlayerNotConnected.WithDetails(catID + "," + dogID)
	case !catOK:
		return apperrors.ErrPlayerNotConnected.WithDetails(catID)
	case !dogOK:
		return apperrors.ErrPlayerNotConnected.WithDetails(dogID)
	}

	session, err := s.sessions.CreateSession(ctx, catID, dogID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	s.logger.InfoContext(ctx, "match complete",
		"session_id", session.ID,
		"cat_player", catID,
		"dog_player", dogID)

	if err := s.recorder.MatchConfirmed(ctx, m, session); err != nil {
		s.logger.ErrorContext(ctx, "record match failed", "session_id", session.ID, "error", err)
	}

	s.notifyMatchFound(ctx, cat, dogID, session)
	s.notifyMatchFound(ctx, dog, catID, session)
	return nil
}

func (s *Service) notifyMatchFound(ctx context.Context, p Player, opponentID string, session SessionHandle) {
	payload := MatchFoundPayload{OpponentID: opponentID, SessionID: session.ID}
	if err := s.notifier.Notify(ctx, p, EventMatchFound, payload); err != nil {
		s.logger.ErrorContext(ctx, "send match notification failed",
			"player_id", p.ID(),
			"session_id", session.ID,
			"error", err)
	}
}

func (s *Service) matchLost(ctx context.Context, m ConfirmedMatch, cause error) {
	s.logger.ErrorContext(ctx, "match lost",
		"cat_player", m.Cat.PlayerID,
		"dog_player", m.Dog.PlayerID,
		"error", cause)

	if err := s.recorder.MatchLost(ctx, m, cause); err != nil {
		s.logger.ErrorContext(ctx, "record lost match failed", "error", err)
	}
}
