package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/channel"
	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/dispatch"
	"github.com/lalithlochan/closetcast/internal/recommend"
	"github.com/lalithlochan/closetcast/internal/redis"
	"github.com/lalithlochan/closetcast/internal/sqs"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// eventLog records the order of side effects across fakes.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeStore struct {
	mu     sync.Mutex
	clock  *clock
	events *eventLog

	schedules     []*db.Schedule
	users         map[uuid.UUID]*db.User
	outfits       map[uuid.UUID]*db.Outfit
	settings      map[uuid.UUID][]*db.NotificationSettings
	notifications []*db.Notification
	items         []*db.ClothingItem
	feedbackUsers []uuid.UUID
	profiles      map[uuid.UUID]time.Time
	profileErr    map[uuid.UUID]error
	feedbackErr   error
	feedbackSince time.Time

	resets  []uuid.UUID
	updates []db.Notification

	listErr      error
	markErr      error
	scheduleErr  error
	settingsErr  map[uuid.UUID]error
	updateFails  int
	beforeMark   func()
	afterList    func()
	itemsEntered chan struct{}
	itemsGate    chan struct{}
}

func newFakeStore(clk *clock, events *eventLog) *fakeStore {
	return &fakeStore{
		clock:       clk,
		events:      events,
		users:       make(map[uuid.UUID]*db.User),
		outfits:     make(map[uuid.UUID]*db.Outfit),
		settings:    make(map[uuid.UUID][]*db.NotificationSettings),
		settingsErr: make(map[uuid.UUID]error),
		profiles:    make(map[uuid.UUID]time.Time),
		profileErr:  make(map[uuid.UUID]error),
	}
}

func (f *fakeStore) ListCandidateSchedules(_ context.Context, today, tomorrow int) ([]*db.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*db.Schedule
	for _, s := range f.schedules {
		if !s.Enabled {
			continue
		}
		if (!s.NotifyDayBefore && s.DayOfWeek == today) || (s.NotifyDayBefore && s.DayOfWeek == tomorrow) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkSchedulesTriggered(_ context.Context, ids []uuid.UUID, at, notBefore time.Time) ([]uuid.UUID, error) {
	if f.beforeMark != nil {
		f.beforeMark()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return nil, f.markErr
	}
	var marked []uuid.UUID
	for _, id := range ids {
		for _, s := range f.schedules {
			if s.ID != id {
				continue
			}
			if s.LastTriggeredAt == nil || s.LastTriggeredAt.Before(notBefore) {
				t := at
				s.LastTriggeredAt = &t
				marked = append(marked, id)
			}
		}
	}
	if f.events != nil {
		f.events.add("mark")
	}
	return marked, nil
}

func (f *fakeStore) schedule(id uuid.UUID) *db.Schedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.schedules {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (f *fakeStore) GetSchedule(_ context.Context, id uuid.UUID) (*db.Schedule, error) {
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	if s := f.schedule(id); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ResetScheduleTrigger(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
	for _, s := range f.schedules {
		if s.ID == id {
			s.LastTriggeredAt = nil
		}
	}
	return nil
}

func (f *fakeStore) GetActiveUser(_ context.Context, id uuid.UUID) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok && u.IsActive {
		return u, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) GetOutfit(_ context.Context, id uuid.UUID) (*db.Outfit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.outfits[id]; ok {
		return o, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ListEnabledSettings(_ context.Context, userID uuid.UUID) ([]*db.NotificationSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.settingsErr[userID]; err != nil {
		return nil, err
	}
	return f.settings[userID], nil
}

func (f *fakeStore) CreateNotification(_ context.Context, n *db.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.MaxAttempts == 0 {
		n.MaxAttempts = db.DefaultMaxAttempts
	}
	n.CreatedAt = f.clock.Now()
	n.UpdatedAt = n.CreatedAt
	cp := *n
	f.notifications = append(f.notifications, &cp)
	return nil
}

func (f *fakeStore) GetNotification(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.ID == id {
			cp := *n
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ListRetryableNotifications(_ context.Context, limit int) ([]*db.Notification, error) {
	f.mu.Lock()
	var out []*db.Notification
	for _, n := range f.notifications {
		if n.Status == db.StatusRetrying && n.Attempts < n.MaxAttempts && len(out) < limit {
			cp := *n
			out = append(out, &cp)
		}
	}
	f.mu.Unlock()

	if f.afterList != nil {
		f.afterList()
	}
	return out, nil
}

func (f *fakeStore) UpdateNotificationAttempt(_ context.Context, n *db.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *n)
	if f.updateFails > 0 {
		f.updateFails--
		return errors.New("connection reset")
	}
	for i, cur := range f.notifications {
		if cur.ID == n.ID {
			cp := *n
			f.notifications[i] = &cp
			return nil
		}
	}
	return db.ErrNotFound
}

func (f *fakeStore) HasRecentNotification(_ context.Context, userID uuid.UUID, payloadType string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.UserID != userID || n.CreatedAt.Before(since) {
			continue
		}
		var p struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(n.Payload, &p); err == nil && p.Type == payloadType {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListItemsNeedingWash(ctx context.Context) ([]*db.ClothingItem, error) {
	if f.itemsEntered != nil {
		close(f.itemsEntered)
	}
	if f.itemsGate != nil {
		select {
		case <-f.itemsGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items, nil
}

func (f *fakeStore) ListUsersWithRecentFeedback(_ context.Context, since time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedbackSince = since
	if f.feedbackErr != nil {
		return nil, f.feedbackErr
	}
	return f.feedbackUsers, nil
}

func (f *fakeStore) LearningProfileComputedAt(_ context.Context, userID uuid.UUID) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.profileErr[userID]; err != nil {
		return nil, err
	}
	if t, ok := f.profiles[userID]; ok {
		return &t, nil
	}
	return nil, nil
}

func (f *fakeStore) notification(id uuid.UUID) *db.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.ID == id {
			cp := *n
			return &cp
		}
	}
	return nil
}

func (f *fakeStore) notificationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

// fakeQueue suppresses repeated idempotency keys like the real producer.
type fakeQueue struct {
	mu     sync.Mutex
	events *eventLog
	jobs   []sqs.Job
	seen   map[string]bool
	err    error
}

func (q *fakeQueue) Enqueue(_ context.Context, job sqs.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.events != nil {
		q.events.add("enqueue")
	}
	if q.err != nil {
		return false, q.err
	}
	if q.seen == nil {
		q.seen = make(map[string]bool)
	}
	if q.seen[job.IdempotencyKey] {
		return false, nil
	}
	q.seen[job.IdempotencyKey] = true
	q.jobs = append(q.jobs, job)
	return true, nil
}

type outfitSend struct {
	UserID      uuid.UUID
	Outfit      *db.Outfit
	ForTomorrow bool
}

type fakeDispatcher struct {
	mu          sync.Mutex
	outfitSends []outfitSend
	outfitErr   error
	firstCalls  []channel.Message
	firstErr    error
	retried     []db.Notification
	retryErr    error
}

func (d *fakeDispatcher) SendOutfit(_ context.Context, userID uuid.UUID, outfit *db.Outfit, forTomorrow bool) ([]dispatch.Delivery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outfitErr != nil {
		return nil, d.outfitErr
	}
	d.outfitSends = append(d.outfitSends, outfitSend{userID, outfit, forTomorrow})
	return []dispatch.Delivery{{Channel: db.ChannelPush, Status: dispatch.DeliverySent}}, nil
}

func (d *fakeDispatcher) SendFirst(_ context.Context, settings []*db.NotificationSettings, msg channel.Message) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.firstCalls = append(d.firstCalls, msg)
	if d.firstErr != nil {
		return dispatch.UnknownChannel, d.firstErr
	}
	return settings[0].Channel, nil
}

func (d *fakeDispatcher) Retry(_ context.Context, n *db.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retried = append(d.retried, *n)
	return d.retryErr
}

type fakeRecommender struct {
	mu           sync.Mutex
	outfit       *db.Outfit
	err          error
	requests     []recommend.Request
	recomputed   []uuid.UUID
	recomputeErr map[uuid.UUID]error
}

func (r *fakeRecommender) Generate(_ context.Context, req recommend.Request) (*db.Outfit, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return r.outfit, nil
}

func (r *fakeRecommender) Recompute(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.recomputeErr[userID]; err != nil {
		return err
	}
	r.recomputed = append(r.recomputed, userID)
	return nil
}

func (r *fakeRecommender) recomputedUsers() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.recomputed...)
}

type fakeForecaster struct {
	weather *recommend.Weather
	err     error
	calls   int
}

func (f *fakeForecaster) ForecastForTomorrow(_ context.Context, _, _ float64) (*recommend.Weather, error) {
	f.calls++
	return f.weather, f.err
}

func newTestLocker(t *testing.T) (*redis.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.NewLocker(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop()), mr
}

type testEnv struct {
	env        *Env
	store      *fakeStore
	queue      *fakeQueue
	dispatcher *fakeDispatcher
	recommend  *fakeRecommender
	locker     *redis.Locker
	redis      *miniredis.Miniredis
	clock      *clock
	events     *eventLog
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	clk := newClock(now)
	events := &eventLog{}
	store := newFakeStore(clk, events)
	queue := &fakeQueue{events: events}
	disp := &fakeDispatcher{}
	rec := &fakeRecommender{}
	locker, mr := newTestLocker(t)

	return &testEnv{
		env: &Env{
			Store:       store,
			Locker:      locker,
			Queue:       queue,
			Dispatcher:  disp,
			Recommender: rec,
			AppURL:      "https://app.example.com",
			Logger:      zap.NewNop(),
			Now:         clk.Now,
		},
		store:      store,
		queue:      queue,
		dispatcher: disp,
		recommend:  rec,
		locker:     locker,
		redis:      mr,
		clock:      clk,
		events:     events,
	}
}

func enabledSettings(userID uuid.UUID, channels ...string) []*db.NotificationSettings {
	out := make([]*db.NotificationSettings, len(channels))
	for i, ch := range channels {
		out[i] = &db.NotificationSettings{ID: uuid.New(), UserID: userID, Channel: ch, Enabled: true}
	}
	return out
}
