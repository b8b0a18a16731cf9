package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
	"github.com/koopa0/system-design/14-matchmaking/pkg/logger"
)

// Options 配對服務的依賴與參數
type Options struct {
	Lock      Lock
	Queue     OrderedQueue
	Directory UserDirectory
	Sessions  SessionFactory
	Notifier  Notifier
	Recorder  Recorder // 可選

	Interval    time.Duration // 配對循環間隔
	MaxWait     time.Duration // 超過即淘汰
	WindowSize  int           // 每陣營每 tick 讀取的前段長度
	TickTimeout time.Duration // 單一 tick 的存儲操作期限，應不超過鎖 TTL

	Now    func() time.Time // 可選，測試用
	Logger *slog.Logger
}

// Service 配對服務
//
// 架構設計：
//
//	Matching Loop（每 Interval 一次）
//	  → 取鎖（失敗即結束本 tick）
//	  → 讀取兩個陣營的前段視窗
//	  → 淘汰超時項目
//	  → FIFO 交叉配對
//	  → 單一交易提交移除
//	  → 交給遊戲房間並通知玩家
//	  → 釋放鎖
//
// 進程啟動時建立一個實例並以參數傳遞給網路層，不使用全域單例。
// 多進程之間的互斥只依賴分散式鎖；進程內只有一個循環 goroutine，
// 每個 tick 都是一段序列化的臨界區。
type Service struct {
	lock      Lock
	queue     OrderedQueue
	directory UserDirectory
	sessions  SessionFactory
	notifier  Notifier
	recorder  Recorder

	interval    time.Duration
	maxWait     time.Duration
	window      int
	tickTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	// 循環生命週期
	baseCtx   context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewService 創建配對服務
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Lock == nil:
		return nil, errors.New("matchmaking: lock is required")
	case opts.Queue == nil:
		return nil, errors.New("matchmaking: queue is required")
	case opts.Directory == nil:
		return nil, errors.New("matchmaking: user directory is required")
	case opts.Sessions == nil:
		return nil, errors.New("matchmaking: session factory is required")
	case opts.Notifier == nil:
		return nil, errors.New("matchmaking: notifier is required")
	case opts.Interval <= 0:
		return nil, errors.New("matchmaking: interval must be positive")
	case opts.MaxWait <= 0:
		return nil, errors.New("matchmaking: max wait must be positive")
	case opts.WindowSize <= 0:
		return nil, errors.New("matchmaking: window size must be positive")
	}

	s := &Service{
		lock:        opts.Lock,
		queue:       opts.Queue,
		directory:   opts.Directory,
		sessions:    opts.Sessions,
		notifier:    opts.Notifier,
		recorder:    opts.Recorder,
		interval:    opts.Interval,
		maxWait:     opts.MaxWait,
		window:      opts.WindowSize,
		tickTimeout: opts.TickTimeout,
		now:         opts.Now,
		logger:      opts.Logger,
		stopCh:      make(chan struct{}),
	}

	if s.recorder == nil {
		s.recorder = Recorders(nil)
	}
	if s.tickTimeout <= 0 {
		s.tickTimeout = s.interval * 4
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "matchmaking")
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Join 把玩家加入陣營佇列
//
// 重複加入策略：玩家已在任一陣營佇列中時拒絕（ALREADY_QUEUED），
// 不覆蓋原本的加入時間，避免玩家藉由重新加入改變排序或跨陣營重複排隊。
func (s *Service) Join(ctx context.Context, playerID string, faction Faction) (JoinResult, error) {
	ctx = logger.WithPlayerID(ctx, playerID)

	if strings.TrimSpace(playerID) == "" {
		return JoinResult{Message: apperrors.ErrInvalidPlayerID.Message}, apperrors.ErrInvalidPlayerID
	}
	if !faction.Valid() {
		err := apperrors.ErrInvalidFaction.WithDetails(string(faction))
		return JoinResult{Message: err.Message}, err
	}

	player, ok := s.directory.LookupPlayer(playerID)
	if !ok {
		return JoinResult{Message: apperrors.ErrPlayerNotConnected.Message}, apperrors.ErrPlayerNotConnected
	}

	if !player.BeginMatchmaking(faction) {
		current, _ := player.Matchmaking()
		err := apperrors.ErrAlreadyQueued.WithDetails(string(current))
		return JoinResult{Message: err.Message}, err
	}

	entry := QueueEntry{PlayerID: playerID, Faction: faction, EnqueuedAt: s.now()}
	if err := s.queue.Add(ctx, entry); err != nil {
		player.EndMatchmaking()
		s.logger.ErrorContext(ctx, "add to queue failed", "faction", faction, "error", err)
		return JoinResult{Message: apperrors.ErrStoreUnavailable.Message},
			apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "add to queue")
	}

	s.logger.InfoContext(ctx, "player joined queue", "faction", faction)
	return JoinResult{Success: true, Message: "Added to queue"}, nil
}

// Cancel 把玩家移出佇列，玩家不在佇列中時為 no-op
func (s *Service) Cancel(ctx context.Context, playerID string, faction Faction) error {
	ctx = logger.WithPlayerID(ctx, playerID)

	if !faction.Valid() {
		return apperrors.ErrInvalidFaction.WithDetails(string(faction))
	}

	removed, err := s.queue.Remove(ctx, faction, playerID)
	if err != nil {
		s.logger.ErrorContext(ctx, "remove from queue failed", "faction", faction, "error", err)
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "remove from queue")
	}

	if player, ok := s.directory.LookupPlayer(playerID); ok {
		if current, queued := player.Matchmaking(); queued && current == faction {
			player.EndMatchmaking()
		}
	}

	if removed {
		s.logger.InfoContext(ctx, "player left queue", "faction", faction)
	}
	return nil
}

// Stats 兩個陣營的佇列長度
func (s *Service) Stats(ctx context.Context) (QueueStats, error) {
	cat, err := s.queue.Len(ctx, FactionCat)
	if err != nil {
		return QueueStats{}, fmt.Errorf("cat queue length: %w", err)
	}
	dog, err := s.queue.Len(ctx, FactionDog)
	if err != nil {
		return QueueStats{}, fmt.Errorf("dog queue length: %w", err)
	}
	return QueueStats{Cat: cat, Dog: dog}, nil
}

// Start 啟動配對循環
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
		s.logger.Info("matching loop started",
			"interval", s.interval,
			"max_wait", s.maxWait,
			"window", s.window)
	})
}

// Stop 停止計時器並等待進行中的 tick 結束
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})
	s.wg.Wait()
	s.logger.Info("matching loop stopped")
}

// loop 固定間隔驅動 Tick
func (s *Service) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// 錯誤已在 Tick 內記錄，循環繼續
			_, _ = s.Tick(s.baseCtx)
		case <-s.stopCh:
			return
		}
	}
}

// Tick 執行一次完整的配對循環
//
// 狀態轉移：
//
//	IDLE → ACQUIRING_LOCK → (失敗) → IDLE
//	IDLE → ACQUIRING_LOCK → (成功) → EVICTING → PAIRING → COMMITTING → NOTIFYING → RELEASING_LOCK → IDLE
//
// 取鎖失敗不等待、不記錄錯誤。EVICTING 到 NOTIFYING 之間的任何錯誤或 panic
// 都會被記錄，並照常進入 RELEASING_LOCK。
func (s *Service) Tick(ctx context.Context) (report TickReport, err error) {
	report.TickID = uuid.NewString()
	ctx = logger.WithTickID(ctx, report.TickID)

	ctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	token, err := s.lock.Acquire(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "acquire lock failed", "error", err)
		return report, fmt.Errorf("acquire lock: %w", err)
	}
	if token == nil {
		// 其他進程正在配對
		return report, nil
	}
	report.Acquired = true

	defer s.release(ctx, *token)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			s.logger.ErrorContext(ctx, "tick panicked", "panic", r)
		}
	}()

	if err = s.process(ctx, &report); err != nil {
		s.logger.ErrorContext(ctx, "tick failed", "error", err)
	}
	return report, err
}

// process 持鎖期間的 EVICTING → PAIRING → COMMITTING → NOTIFYING
func (s *Service) process(ctx context.Context, report *TickReport) error {
	now := s.now()

	fronts := make(map[Faction][]QueueEntry, len(Factions))
	for _, f := range Factions {
		entries, err := s.queue.Front(ctx, f, s.window)
		if err != nil {
			return fmt.Errorf("read %s queue: %w", f, err)
		}
		fronts[f] = entries
	}

	kept, evicted, err := s.evict(ctx, fronts, now)
	report.Evicted = evicted
	if err != nil {
		return err
	}

	candidates := Pair(kept[FactionCat], kept[FactionDog])

	confirmed, broken, err := s.commit(ctx, candidates, now)
	report.Confirmed = confirmed
	report.Broken = broken
	if err != nil {
		return err
	}

	for _, m := range confirmed {
		if err := s.handOff(ctx, m); err != nil {
			report.Lost = append(report.Lost, m)
		}
	}
	return nil
}

// release 釋放鎖
//
// 使用獨立的 context：tick 逾時或服務停止時仍要嘗試釋放，
// 釋放失敗則交給 TTL。
func (s *Service) release(ctx context.Context, token Token) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.tickTimeout)
	defer cancel()

	released, err := s.lock.Release(releaseCtx, token)
	switch {
	case err != nil:
		s.logger.ErrorContext(ctx, "release lock failed, waiting for ttl", "error", err)
	case !released:
		// 自己的 TTL 已過期，鎖已被他人取得
		s.logger.DebugContext(ctx, "lock no longer owned at release")
	}
}
