package matchmaking_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	"github.com/koopa0/system-design/14-matchmaking/internal/store"
	"github.com/koopa0/system-design/14-matchmaking/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
	"github.com/koopa0/system-design/14-matchmaking/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc       *matchmaking.Service
	lock      *testutils.SpyLock
	memLock   *store.MemoryLock
	queue     *testutils.HookQueue
	directory *testutils.FakeDirectory
	sessions  *testutils.FakeSessions
	notifier  *testutils.FakeNotifier
	recorder  *testutils.FakeRecorder
	clock     *fakeClock
}

func newHarness(t *testing.T, players ...string) *harness {
	t.Helper()

	h := &harness{
		memLock:   store.NewMemoryLock(3 * time.Second),
		directory: testutils.NewFakeDirectory(players...),
		sessions:  &testutils.FakeSessions{},
		notifier:  &testutils.FakeNotifier{},
		recorder:  &testutils.FakeRecorder{},
		clock:     &fakeClock{t: time.UnixMilli(1_700_000_000_000)},
	}
	h.lock = &testutils.SpyLock{Lock: h.memLock}
	h.queue = &testutils.HookQueue{OrderedQueue: store.NewMemoryQueue()}

	svc, err := matchmaking.NewService(matchmaking.Options{
		Lock:        h.lock,
		Queue:       h.queue,
		Directory:   h.directory,
		Sessions:    h.sessions,
		Notifier:    h.notifier,
		Recorder:    h.recorder,
		Interval:    10 * time.Millisecond,
		MaxWait:     5 * time.Minute,
		WindowSize:  10,
		TickTimeout: time.Second,
		Now:         h.clock.Now,
		Logger:      logger.Discard(),
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) join(t *testing.T, id string, f matchmaking.Faction) {
	t.Helper()
	res, err := h.svc.Join(context.Background(), id, f)
	require.NoError(t, err)
	require.True(t, res.Success)
	h.clock.Advance(time.Second)
}

func (h *harness) tick(t *testing.T) matchmaking.TickReport {
	t.Helper()
	report, err := h.svc.Tick(context.Background())
	require.NoError(t, err)
	return report
}

func (h *harness) queueLen(t *testing.T, f matchmaking.Faction) int64 {
	t.Helper()
	n, err := h.queue.Len(context.Background(), f)
	require.NoError(t, err)
	return n
}

func TestNewService_Validation(t *testing.T) {
	_, err := matchmaking.NewService(matchmaking.Options{})
	assert.Error(t, err)

	_, err = matchmaking.NewService(matchmaking.Options{
		Lock:      store.NewMemoryLock(time.Second),
		Queue:     store.NewMemoryQueue(),
		Directory: testutils.NewFakeDirectory(),
		Sessions:  &testutils.FakeSessions{},
		Notifier:  &testutils.FakeNotifier{},
		Interval:  time.Second,
		MaxWait:   time.Minute,
	})
	assert.Error(t, err, "window size is required")
}

func TestJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("adds to faction queue", func(t *testing.T) {
		h := newHarness(t, "c1")
		res, err := h.svc.Join(ctx, "c1", matchmaking.FactionCat)
		require.NoError(t, err)
		assert.Equal(t, matchmaking.JoinResult{Success: true, Message: "Added to queue"}, res)
		assert.Equal(t, int64(1), h.queueLen(t, matchmaking.FactionCat))

		f, queued := h.directory.Player("c1").Matchmaking()
		assert.True(t, queued)
		assert.Equal(t, matchmaking.FactionCat, f)
	})

	t.Run("invalid faction", func(t *testing.T) {
		h := newHarness(t, "c1")
		res, err := h.svc.Join(ctx, "c1", matchmaking.Faction("BIRD"))
		assert.True(t, apperrors.IsInvalidInput(err))
		assert.False(t, res.Success)
		assert.False(t, h.directory.Player("c1").Queued())
	})

	t.Run("empty player id", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Join(ctx, "  ", matchmaking.FactionCat)
		assert.True(t, apperrors.IsInvalidInput(err))
	})

	t.Run("player not connected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Join(ctx, "ghost", matchmaking.FactionDog)
		assert.True(t, apperrors.IsPlayerNotConnected(err))
		assert.Zero(t, h.queueLen(t, matchmaking.FactionDog))
	})

	t.Run("duplicate join is rejected", func(t *testing.T) {
		h := newHarness(t, "p1")
		h.join(t, "p1", matchmaking.FactionCat)

		_, err := h.svc.Join(ctx, "p1", matchmaking.FactionCat)
		assert.True(t, apperrors.IsAlreadyQueued(err))

		_, err = h.svc.Join(ctx, "p1", matchmaking.FactionDog)
		assert.True(t, apperrors.IsAlreadyQueued(err))

		assert.Equal(t, int64(1), h.queueLen(t, matchmaking.FactionCat))
		assert.Zero(t, h.queueLen(t, matchmaking.FactionDog))
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "c1")
	h.join(t, "c1", matchmaking.FactionCat)

	require.NoError(t, h.svc.Cancel(ctx, "c1", matchmaking.FactionCat))
	assert.Zero(t, h.queueLen(t, matchmaking.FactionCat))
	assert.False(t, h.directory.Player("c1").Queued())

	// 冪等
	require.NoError(t, h.svc.Cancel(ctx, "c1", matchmaking.FactionCat))
	require.NoError(t, h.svc.Cancel(ctx, "nobody", matchmaking.FactionDog))

	// 取消後可以重新加入
	h.join(t, "c1", matchmaking.FactionDog)
	assert.Equal(t, int64(1), h.queueLen(t, matchmaking.FactionDog))
}

func TestCancel_OtherFactionKeepsFlag(t *testing.T) {
	h := newHarness(t, "c1")
	h.join(t, "c1", matchmaking.FactionCat)

	require.NoError(t, h.svc.Cancel(context.Background(), "c1", matchmaking.FactionDog))
	assert.True(t, h.directory.Player("c1").Queued())
	assert.Equal(t, int64(1), h.queueLen(t, matchmaking.FactionCat))
}

func TestTick_MatchesOldestPair(t *testing.T) {
	h := newHarness(t, "c1", "c2", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "c2", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)

	report := h.tick(t)
	assert.True(t, report.Acquired)
	require.Len(t, report.Confirmed, 1)
	assert.Equal(t, "c1", report.Confirmed[0].Cat.PlayerID)
	assert.Equal(t, "d1", report.Confirmed[0].Dog.PlayerID)
	assert.Empty(t, report.Lost)

	assert.Equal(t, int64(1), h.queueLen(t, matchmaking.FactionCat))
	assert.Zero(t, h.queueLen(t, matchmaking.FactionDog))
	assert.Equal(t, [][2]string{{"c1", "d1"}}, h.sessions.Created)

	// 雙方都收到通知，帶對手 ID 與房間 ID
	catNotes := h.notifier.For("c1", matchmaking.EventMatchFound)
	require.Len(t, catNotes, 1)
	payload, ok := catNotes[0].Payload.(matchmaking.MatchFoundPayload)
	require.True(t, ok)
	assert.Equal(t, "d1", payload.OpponentID)
	assert.Equal(t, "game-1", payload.SessionID)

	dogNotes := h.notifier.For("d1", matchmaking.EventMatchFound)
	require.Len(t, dogNotes, 1)
	assert.Equal(t, "c1", dogNotes[0].Payload.(matchmaking.MatchFoundPayload).OpponentID)

	assert.False(t, h.directory.Player("c1").Queued())
	assert.False(t, h.directory.Player("d1").Queued())
	assert.True(t, h.directory.Player("c2").Queued())
	assert.Empty(t, h.notifier.For("c2", matchmaking.EventMatchFound))

	confirmed, lost, timedOut := h.recorder.Counts()
	assert.Equal(t, 1, confirmed)
	assert.Zero(t, lost)
	assert.Zero(t, timedOut)
}

func TestTick_OneSidedQueue(t *testing.T) {
	h := newHarness(t, "c1", "c2")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "c2", matchmaking.FactionCat)

	report := h.tick(t)
	assert.True(t, report.Acquired)
	assert.Empty(t, report.Confirmed)
	assert.Equal(t, int64(2), h.queueLen(t, matchmaking.FactionCat))
	assert.Zero(t, h.sessions.Count())
	assert.Empty(t, h.notifier.Sent())
	assert.Zero(t, h.queue.RemoveManyCalls.Load())
}

func TestTick_FIFOAcrossWindow(t *testing.T) {
	const n = 12

	var ids []string
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("c%d", i), fmt.Sprintf("d%d", i))
	}
	h := newHarness(t, ids...)
	for i := 1; i <= n; i++ {
		h.join(t, fmt.Sprintf("c%d", i), matchmaking.FactionCat)
		h.join(t, fmt.Sprintf("d%d", i), matchmaking.FactionDog)
	}

	first := h.tick(t)
	require.Len(t, first.Confirmed, 10)
	for i, m := range first.Confirmed {
		assert.Equal(t, fmt.Sprintf("c%d", i+1), m.Cat.PlayerID)
		assert.Equal(t, fmt.Sprintf("d%d", i+1), m.Dog.PlayerID)
	}

	second := h.tick(t)
	require.Len(t, second.Confirmed, 2)
	assert.Equal(t, "c11", second.Confirmed[0].Cat.PlayerID)
	assert.Equal(t, "d12", second.Confirmed[1].Dog.PlayerID)

	assert.Zero(t, h.queueLen(t, matchmaking.FactionCat))
	assert.Equal(t, n, h.sessions.Count())
}

func TestTick_EvictsTimedOutEntries(t *testing.T) {
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)

	h.clock.Advance(5 * time.Minute)
	h.join(t, "d1", matchmaking.FactionDog)

	report := h.tick(t)
	require.Len(t, report.Evicted, 1)
	assert.Equal(t, "c1", report.Evicted[0].PlayerID)

	// 超時項目不參與配對
	assert.Empty(t, report.Confirmed)
	assert.Zero(t, h.queueLen(t, matchmaking.FactionCat))
	assert.Equal(t, int64(1), h.queueLen(t, matchmaking.FactionDog))

	notes := h.notifier.For("c1", matchmaking.EventMatchTimeout)
	require.Len(t, notes, 1)
	payload, ok := notes[0].Payload.(matchmaking.MatchTimeoutPayload)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeMatchTimeout, payload.ErrorCode)
	assert.False(t, h.directory.Player("c1").Queued())
	assert.True(t, h.directory.Player("d1").Queued())

	// 下一個 tick 不會再通知
	h.tick(t)
	assert.Len(t, h.notifier.For("c1", matchmaking.EventMatchTimeout), 1)

	_, _, timedOut := h.recorder.Counts()
	assert.Equal(t, 1, timedOut)
}

func TestTick_JustUnderMaxWaitIsPaired(t *testing.T) {
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)
	h.clock.Advance(5*time.Minute - 3*time.Second)

	report := h.tick(t)
	assert.Empty(t, report.Evicted)
	assert.Len(t, report.Confirmed, 1)
}

func TestTick_TimeoutCancelledBeforeCommitIsNotNotified(t *testing.T) {
	h := newHarness(t, "c1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.clock.Advance(6 * time.Minute)

	// 讀取之後、移除之前玩家取消
	h.queue.BeforeRemoveMany = func(ctx context.Context, _ []matchmaking.Removal) {
		_, _ = h.queue.OrderedQueue.Remove(ctx, matchmaking.FactionCat, "c1")
	}

	report := h.tick(t)
	assert.Empty(t, report.Evicted)
	assert.Empty(t, h.notifier.For("c1", matchmaking.EventMatchTimeout))
}

func TestTick_CancelBetweenReadAndCommit(t *testing.T) {
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)

	h.queue.BeforeRemoveMany = func(ctx context.Context, _ []matchmaking.Removal) {
		_, _ = h.queue.OrderedQueue.Remove(ctx, matchmaking.FactionDog, "d1")
	}

	report := h.tick(t)
	assert.Empty(t, report.Confirmed)
	require.Len(t, report.Broken, 1)
	assert.True(t, report.Broken[0].CatRemoved)
	assert.False(t, report.Broken[0].DogRemoved)

	// 被移除的一側不會重新入列，旗標清除
	assert.Zero(t, h.queueLen(t, matchmaking.FactionCat))
	assert.False(t, h.directory.Player("c1").Queued())

	assert.Zero(t, h.sessions.Count())
	assert.Empty(t, h.notifier.Sent())
}

func TestTick_LostMatchWhenPlayerDisconnected(t *testing.T) {
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)
	h.directory.Disconnect("d1")

	report := h.tick(t)
	assert.Len(t, report.Confirmed, 1)
	require.Len(t, report.Lost, 1)
	assert.Equal(t, "d1", report.Lost[0].Dog.PlayerID)

	assert.Zero(t, h.sessions.Count())
	assert.Empty(t, h.notifier.Sent())
	assert.False(t, h.directory.Player("c1").Queued())
	assert.Zero(t, h.queueLen(t, matchmaking.FactionCat))
	assert.Zero(t, h.queueLen(t, matchmaking.FactionDog))

	_, lost, _ := h.recorder.Counts()
	assert.Equal(t, 1, lost)
}

func TestTick_LostMatchWhenSessionCreationFails(t *testing.T) {
	h := newHarness(t, "c1", "d1", "c2", "d2")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)
	h.join(t, "c2", matchmaking.FactionCat)
	h.join(t, "d2", matchmaking.FactionDog)
	h.sessions.FailNext = apperrors.ErrSessionLimit

	report := h.tick(t)
	assert.Len(t, report.Confirmed, 2)
	require.Len(t, report.Lost, 1)
	assert.Equal(t, "c1", report.Lost[0].Cat.PlayerID)

	// 遺失不影響同一 tick 的其他配對
	assert.Equal(t, [][2]string{{"c2", "d2"}}, h.sessions.Created)
	assert.Len(t, h.notifier.For("c2", matchmaking.EventMatchFound), 1)
	assert.False(t, h.directory.Player("c1").Queued())
	assert.False(t, h.directory.Player("d1").Queued())
}

func TestTick_HandOffPanicIsContained(t *testing.T) {
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)
	h.sessions.PanicOn = "c1"

	report := h.tick(t)
	assert.Len(t, report.Lost, 1)
	assert.Equal(t, int32(1), h.lock.ReleaseCalls.Load())
}

func TestTick_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)

	// 另一個進程持有鎖
	token, err := h.memLock.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, token)

	report := h.tick(t)
	assert.False(t, report.Acquired)
	assert.Empty(t, report.Confirmed)
	assert.Equal(t, int64(1), h.queueLen(t, matchmaking.FactionCat))
	assert.Zero(t, h.lock.ReleaseCalls.Load())

	_, err = h.memLock.Release(ctx, *token)
	require.NoError(t, err)

	report = h.tick(t)
	assert.True(t, report.Acquired)
	assert.Len(t, report.Confirmed, 1)
}

func TestTick_AcquireError(t *testing.T) {
	h := newHarness(t)
	h.lock.AcquireErr = testutils.ErrStoreDown

	report, err := h.svc.Tick(context.Background())
	assert.ErrorIs(t, err, testutils.ErrStoreDown)
	assert.False(t, report.Acquired)
	assert.Zero(t, h.lock.ReleaseCalls.Load())
}

func TestTick_StoreFailureReleasesLock(t *testing.T) {
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)
	h.queue.FrontErr = testutils.ErrStoreDown

	_, err := h.svc.Tick(context.Background())
	assert.ErrorIs(t, err, testutils.ErrStoreDown)
	assert.Equal(t, int32(1), h.lock.ReleaseCalls.Load())

	// 鎖已釋放，下一個 tick 不必等 TTL
	h.queue.FrontErr = nil
	report := h.tick(t)
	assert.True(t, report.Acquired)
	assert.Len(t, report.Confirmed, 1)
}

func TestTick_PanicReleasesLock(t *testing.T) {
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)
	h.queue.BeforeRemoveMany = func(context.Context, []matchmaking.Removal) {
		panic("boom")
	}

	_, err := h.svc.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, int32(1), h.lock.ReleaseCalls.Load())

	// 提交前 panic，佇列不變
	h.queue.BeforeRemoveMany = nil
	report := h.tick(t)
	assert.True(t, report.Acquired)
	assert.Len(t, report.Confirmed, 1)
}

// TestTick_MultipleServicesNeverDoubleMatch 多個進程共用同一組鎖與佇列
func TestTick_MultipleServicesNeverDoubleMatch(t *testing.T) {
	const pairs = 25

	var ids []string
	for i := range pairs {
		ids = append(ids, fmt.Sprintf("c%d", i), fmt.Sprintf("d%d", i))
	}
	h := newHarness(t, ids...)
	for i := range pairs {
		h.join(t, fmt.Sprintf("c%d", i), matchmaking.FactionCat)
		h.join(t, fmt.Sprintf("d%d", i), matchmaking.FactionDog)
	}

	services := []*matchmaking.Service{h.svc}
	for range 3 {
		svc, err := matchmaking.NewService(matchmaking.Options{
			Lock:       h.lock,
			Queue:      h.queue,
			Directory:  h.directory,
			Sessions:   h.sessions,
			Notifier:   h.notifier,
			Interval:   10 * time.Millisecond,
			MaxWait:    5 * time.Minute,
			WindowSize: 10,
			Now:        h.clock.Now,
			Logger:     logger.Discard(),
		})
		require.NoError(t, err)
		services = append(services, svc)
	}

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_, _ = svc.Tick(context.Background())
			}
		}()
	}
	wg.Wait()

	require.Equal(t, pairs, h.sessions.Count())
	seen := make(map[string]int)
	for _, p := range h.sessions.Created {
		seen[p[0]]++
		seen[p[1]]++
	}
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "player %s", id)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, "c1", "c2", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "c2", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)

	stats, err := h.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, matchmaking.QueueStats{Cat: 2, Dog: 1}, stats)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, "c1", "d1")
	h.join(t, "c1", matchmaking.FactionCat)
	h.join(t, "d1", matchmaking.FactionDog)

	h.svc.Start()
	h.svc.Start()

	assert.Eventually(t, func() bool {
		return h.sessions.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.svc.Stop()
	h.svc.Stop()

	// 停止後不再 tick
	calls := h.lock.AcquireCalls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, h.lock.AcquireCalls.Load())
}

func TestRecorders_FanOut(t *testing.T) {
	a, b := &testutils.FakeRecorder{}, &testutils.FakeRecorder{}
	rs := matchmaking.Recorders{a, b}

	err := rs.EntryTimedOut(context.Background(), matchmaking.QueueEntry{PlayerID: "p1"})
	require.NoError(t, err)

	_, _, ta := a.Counts()
	_, _, tb := b.Counts()
	assert.Equal(t, 1, ta)
	assert.Equal(t, 1, tb)
}
