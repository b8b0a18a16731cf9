// Package history 把配對結果寫入 PostgreSQL
//
// 歷史記錄是旁路資料：寫入失敗只影響報表，不影響配對。
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
)

// 配對記錄狀態
const (
	StatusConfirmed = "confirmed"
	StatusLost      = "lost"
)

// DB pgxpool.Pool 與 pgx.Tx 共同的子集
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// MatchRecord 一筆配對歷史
type MatchRecord struct {
	ID          int64     `json:"id"`
	Status      string    `json:"status"`
	SessionID   string    `json:"session_id,omitempty"`
	CatPlayer   string    `json:"cat_player"`
	DogPlayer   string    `json:"dog_player"`
	ConfirmedAt time.Time `json:"confirmed_at"`
	Failure     string    `json:"failure,omitempty"`
}

// Postgres 實現 matchmaking.Recorder
type Postgres struct {
	db DB
}

var _ matchmaking.Recorder = (*Postgres)(nil)

// NewPostgres 創建歷史記錄器
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

const insertMatch = `
INSERT INTO match_history
    (status, session_id, cat_player, dog_player, cat_enqueued_at, dog_enqueued_at, confirmed_at, failure)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// MatchConfirmed 實現 matchmaking.Recorder
func (p *Postgres) MatchConfirmed(ctx context.Context, m matchmaking.ConfirmedMatch, session matchmaking.SessionHandle) error {
	_, err := p.db.Exec(ctx, insertMatch,
		StatusConfirmed, session.ID,
		m.Cat.PlayerID, m.Dog.PlayerID,
		m.Cat.EnqueuedAt, m.Dog.EnqueuedAt, m.ConfirmedAt,
		nil)
	if err != nil {
		return fmt.Errorf("insert confirmed match: %w", err)
	}
	return nil
}

// MatchLost 實現 matchmaking.Recorder
func (p *Postgres) MatchLost(ctx context.Context, m matchmaking.ConfirmedMatch, cause error) error {
	var failure *string
	if cause != nil {
		s := cause.Error()
		failure = &s
	}

	_, err := p.db.Exec(ctx, insertMatch,
		StatusLost, nil,
		m.Cat.PlayerID, m.Dog.PlayerID,
		m.Cat.EnqueuedAt, m.Dog.EnqueuedAt, m.ConfirmedAt,
		failure)
	if err != nil {
		return fmt.Errorf("insert lost match: %w", err)
	}
	return nil
}

// EntryTimedOut 實現 matchmaking.Recorder
func (p *Postgres) EntryTimedOut(ctx context.Context, e matchmaking.QueueEntry) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO queue_timeouts (player_id, faction, enqueued_at) VALUES ($1, $2, $3)`,
		e.PlayerID, string(e.Faction), e.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("insert queue timeout: %w", err)
	}
	return nil
}

// RecentMatches 最近的配對記錄，新的在前
func (p *Postgres) RecentMatches(ctx context.Context, limit int) ([]MatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.db.Query(ctx, `
SELECT id, status, COALESCE(session_id, ''), cat_player, dog_player, confirmed_at, COALESCE(failure, '')
FROM match_history
ORDER BY confirmed_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query match history: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MatchRecord, error) {
		var r MatchRecord
		err := row.Scan(&r.ID, &r.Status, &r.SessionID, &r.CatPlayer, &r.DogPlayer, &r.ConfirmedAt, &r.Failure)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan match history: %w", err)
	}
	return records, nil
}

// TimeoutCount 玩家累計的超時次數
func (p *Postgres) TimeoutCount(ctx context.Context, playerID string) (int64, error) {
	rows, err := p.db.Query(ctx, `SELECT COUNT(*) FROM queue_timeouts WHERE player_id = $1`, playerID)
	if err != nil {
		return 0, fmt.Errorf("count timeouts: %w", err)
	}

	n, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, fmt.Errorf("scan timeout count: %w", err)
	}
	return n, nil
}
