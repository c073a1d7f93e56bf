package scheduler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pixivbot/internal/cache"
	"pixivbot/internal/downloader"
	"pixivbot/internal/fsm"
	"pixivbot/internal/model"
	"pixivbot/internal/notifier"
	"pixivbot/internal/source"
)

type fakeSourceClient struct {
	mu          sync.Mutex
	authorWorks map[int64][]source.Work
	ranking     map[source.RankingMode]source.RankingPage
	userDetail  map[int64]source.UserProfile
}

func (f *fakeSourceClient) ListAuthorWorks(_ context.Context, authorID int64, _ int) ([]source.Work, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorWorks[authorID], nil
}

func (f *fakeSourceClient) Ranking(_ context.Context, mode source.RankingMode, _ string) (source.RankingPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ranking[mode], nil
}

func (f *fakeSourceClient) UserDetail(_ context.Context, userID int64) (source.UserProfile, error) {
	return f.userDetail[userID], nil
}

type noopAPI struct{}

func (noopAPI) Send(tgbotapi.Chattable) (tgbotapi.Message, error) { return tgbotapi.Message{}, nil }

// recordingAPI returns an incrementing non-zero MessageID per send, standing
// in for the platform actually assigning message ids.
type recordingAPI struct {
	mu   sync.Mutex
	next int
}

func (a *recordingAPI) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return tgbotapi.Message{MessageID: a.next}, nil
}

func fsmWithRecordingAPI(t *testing.T) *fsm.FSM {
	t.Helper()
	c := cache.New(t.TempDir())
	d := downloader.New(c, recordingGetter{})
	n := notifier.New(&recordingAPI{})
	return fsm.New(d, n, 3)
}

type recordingGetter struct{}

func (recordingGetter) DownloadImage(_ context.Context, _ string) (*http.Response, error) {
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

func newTestFSM(t *testing.T) *fsm.FSM {
	t.Helper()
	c := cache.New(t.TempDir())
	d := downloader.New(c, recordingGetter{})
	n := notifier.New(noopAPI{})
	return fsm.New(d, n, 3)
}

func workWithOnePage(id int64) source.Work {
	return source.Work{ID: id, Title: "t", PageCount: 1, ImageURLs: []string{"https://i.pximg.net/x.png"}}
}

func TestS1SingleImageNewWorksAdvanceWatermark(t *testing.T) {
	repo := newFakeRepo()
	task := &model.Task{ID: 1, Kind: model.TaskAuthor, Value: "100", LatestData: model.TaskLatestData{LatestIllustID: 9}}
	repo.addTask(task)
	repo.addSubscription(1, model.Subscription{ID: 1, ChatID: 5, TaskID: 1})

	client := &fakeSourceClient{authorWorks: map[int64][]source.Work{
		100: {workWithOnePage(11), workWithOnePage(10)},
	}}

	engine := NewAuthorEngine(repo, client, trivialFSM(t))
	if err := engine.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := repo.GetTask(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.LatestData.LatestIllustID != 11 {
		t.Fatalf("expected watermark 11, got %d", got.LatestData.LatestIllustID)
	}
}

func TestFirstObservationDeliversNoWorks(t *testing.T) {
	repo := newFakeRepo()
	task := &model.Task{ID: 2, Kind: model.TaskAuthor, Value: "200", LatestData: model.TaskLatestData{}}
	repo.addTask(task)
	repo.addSubscription(2, model.Subscription{ID: 2, ChatID: 6, TaskID: 2})

	client := &fakeSourceClient{authorWorks: map[int64][]source.Work{
		200: {workWithOnePage(50), workWithOnePage(49)},
	}}

	engine := NewAuthorEngine(repo, client, trivialFSM(t))
	if err := engine.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := repo.GetTask(context.Background(), 2)
	if got.LatestData.LatestIllustID != 50 {
		t.Fatalf("expected watermark seeded to 50, got %d", got.LatestData.LatestIllustID)
	}
}

func TestS4RankingAdvanceUpdatesDateAfterAllTerminal(t *testing.T) {
	repo := newFakeRepo()
	task := &model.Task{ID: 3, Kind: model.TaskRanking, Value: "daily", LatestData: model.TaskLatestData{Date: "2025-01-20"}}
	repo.addTask(task)
	repo.addSubscription(3, model.Subscription{ID: 3, ChatID: 7, TaskID: 3})

	works := make([]source.Work, 0, 50)
	for i := int64(1); i <= 50; i++ {
		works = append(works, workWithOnePage(i))
	}
	client := &fakeSourceClient{ranking: map[source.RankingMode]source.RankingPage{
		source.RankingDay: {Date: "2025-01-21", Works: works},
	}}

	engine := NewRankingEngine(repo, client, trivialFSM(t), 10)
	if err := engine.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := repo.GetTask(context.Background(), 3)
	if got.LatestData.Date != "2025-01-21" {
		t.Fatalf("expected date advanced to 2025-01-21, got %q", got.LatestData.Date)
	}
}

func TestSchedulerRunsAtMostOneTaskAtATime(t *testing.T) {
	repo := newFakeRepo()
	for i := int64(1); i <= 3; i++ {
		repo.addTask(&model.Task{ID: i, Kind: model.TaskAuthor, Value: "1", NextPollAt: time.Now().Add(-time.Second)})
	}

	var concurrent int32
	var maxConcurrent int32
	blocking := &blockingEngine{concurrent: &concurrent, max: &maxConcurrent}

	sched := New(repo, blocking, blocking, Config{
		TickInterval:    10 * time.Millisecond,
		MinTaskInterval: time.Hour,
		MaxTaskInterval: 2 * time.Hour,
	})

	for i := 0; i < 3; i++ {
		if _, err := sched.tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Fatalf("observed concurrent task execution: max=%d", maxConcurrent)
	}
}

type blockingEngine struct {
	concurrent *int32
	max        *int32
}

func (b *blockingEngine) Execute(context.Context, *model.Task) error {
	n := atomic.AddInt32(b.concurrent, 1)
	if n > atomic.LoadInt32(b.max) {
		atomic.StoreInt32(b.max, n)
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(b.concurrent, -1)
	return nil
}

func trivialFSM(t *testing.T) *fsm.FSM {
	return newTestFSM(t)
}

func TestAuthorEngineSavesMessageOnSuccess(t *testing.T) {
	repo := newFakeRepo()
	task := &model.Task{ID: 1, Kind: model.TaskAuthor, Value: "100", LatestData: model.TaskLatestData{LatestIllustID: 9}}
	repo.addTask(task)
	repo.addSubscription(1, model.Subscription{ID: 1, ChatID: 5, TaskID: 1})

	client := &fakeSourceClient{authorWorks: map[int64][]source.Work{
		100: {workWithOnePage(10)},
	}}

	engine := NewAuthorEngine(repo, client, fsmWithRecordingAPI(t))
	if err := engine.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(repo.savedMessages) != 1 {
		t.Fatalf("expected 1 saved message, got %d", len(repo.savedMessages))
	}
	msg := repo.savedMessages[0]
	if msg.chatID != 5 || msg.subscriptionID != 1 || msg.illustID == nil || *msg.illustID != 10 {
		t.Fatalf("unexpected saved message: %+v", msg)
	}
	if msg.messageID == 0 {
		t.Fatalf("expected non-zero message id")
	}
}

func TestRankingEngineStopsProcessingSubscriberAfterHeldResult(t *testing.T) {
	repo := newFakeRepo()
	task := &model.Task{ID: 1, Kind: model.TaskRanking, Value: "daily", LatestData: model.TaskLatestData{Date: "2025-01-20"}}
	repo.addTask(task)
	repo.addSubscription(1, model.Subscription{ID: 1, ChatID: 5, TaskID: 1})

	failing := source.Work{ID: 10, Title: "fails", PageCount: 1, ImageURLs: []string{"https://i.pximg.net/bad.png"}}
	later := workWithOnePage(11)

	client := &fakeSourceClient{ranking: map[source.RankingMode]source.RankingPage{
		source.RankingDay: {Date: "2025-01-21", Works: []source.Work{failing, later}},
	}}

	c := cache.New(t.TempDir())
	d := downloader.New(c, failingGetter{})
	n := notifier.New(noopAPI{})
	f := fsm.New(d, n, 3)

	engine := NewRankingEngine(repo, client, f, 10)
	if err := engine.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(repo.setPendingLog) != 1 {
		t.Fatalf("expected exactly 1 SetPending call, got %d: %v", len(repo.setPendingLog), repo.setPendingLog)
	}

	got, _ := repo.GetTask(context.Background(), 1)
	if got.LatestData.Date != "2025-01-20" {
		t.Fatalf("expected ranking watermark held at 2025-01-20, got %q", got.LatestData.Date)
	}
}

type failingGetter struct{}

func (failingGetter) DownloadImage(context.Context, string) (*http.Response, error) {
	return nil, context.DeadlineExceeded
}
