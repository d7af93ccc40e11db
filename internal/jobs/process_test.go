package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/recommend"
	"github.com/lalithlochan/closetcast/internal/worker"
)

func floatPtr(f float64) *float64 { return &f }

// seedScheduled creates a schedule with an active user, one channel and a
// recommender that returns an outfit.
func seedScheduled(te *testEnv, dayBefore bool) (*db.Schedule, *db.Outfit) {
	s := addSchedule(te.store, 0, 8*60, dayBefore, nil)
	te.store.users[s.UserID] = &db.User{
		ID:          s.UserID,
		IsActive:    true,
		LocationLat: floatPtr(52.52),
		LocationLon: floatPtr(13.41),
	}
	te.store.settings[s.UserID] = enabledSettings(s.UserID, db.ChannelPush)

	outfit := &db.Outfit{ID: uuid.New(), UserID: s.UserID, Occasion: "work", ItemCount: 3}
	te.recommend.outfit = outfit
	return s, outfit
}

func TestProcessScheduled_Sends(t *testing.T) {
	te := newTestEnv(t, monday(8, 0, 0))
	forecast := &fakeForecaster{weather: &recommend.Weather{Temperature: 12, Condition: "rain"}}
	te.env.Weather = forecast
	s, outfit := seedScheduled(te, true)

	out, err := te.env.ProcessScheduled(context.Background(), worker.JobRun{Try: 1}, ProcessArgs{ScheduleID: s.ID})
	if err != nil {
		t.Fatalf("ProcessScheduled: %v", err)
	}
	if out.Status != OutcomeSent || out.OutfitID == nil || *out.OutfitID != outfit.ID {
		t.Errorf("outcome = %+v", out)
	}

	if len(te.recommend.requests) != 1 {
		t.Fatalf("recommender called %d times", len(te.recommend.requests))
	}
	req := te.recommend.requests[0]
	if req.UserID != s.UserID || req.Occasion != "work" || req.Source != recommend.SourceScheduled {
		t.Errorf("request = %+v", req)
	}
	if req.Weather == nil || req.Weather.Condition != "rain" {
		t.Errorf("weather = %+v, want forecast passed through", req.Weather)
	}

	if len(te.dispatcher.outfitSends) != 1 || !te.dispatcher.outfitSends[0].ForTomorrow {
		t.Errorf("sends = %+v, want one for tomorrow", te.dispatcher.outfitSends)
	}
}

func TestProcessScheduled_ForecastOnlyForDayBefore(t *testing.T) {
	te := newTestEnv(t, monday(8, 0, 0))
	forecast := &fakeForecaster{weather: &recommend.Weather{Condition: "clear"}}
	te.env.Weather = forecast
	s, _ := seedScheduled(te, false)

	if _, err := te.env.ProcessScheduled(context.Background(), worker.JobRun{Try: 1}, ProcessArgs{ScheduleID: s.ID}); err != nil {
		t.Fatalf("ProcessScheduled: %v", err)
	}
	if forecast.calls != 0 {
		t.Errorf("forecast fetched %d times for a same-day schedule", forecast.calls)
	}
	if te.dispatcher.outfitSends[0].ForTomorrow {
		t.Error("same-day schedule sent as for tomorrow")
	}
}

func TestProcessScheduled_ForecastFailureIgnored(t *testing.T) {
	te := newTestEnv(t, monday(8, 0, 0))
	te.env.Weather = &fakeForecaster{err: errors.New("weather api down")}
	s, _ := seedScheduled(te, true)

	out, err := te.env.ProcessScheduled(context.Background(), worker.JobRun{Try: 1}, ProcessArgs{ScheduleID: s.ID})
	if err != nil {
		t.Fatalf("ProcessScheduled: %v", err)
	}
	if out.Status != OutcomeSent {
		t.Errorf("status = %s, want sent", out.Status)
	}
	if te.recommend.requests[0].Weather != nil {
		t.Error("expected no weather after forecast failure")
	}
}

func TestProcessScheduled_Skips(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(te *testEnv, s *db.Schedule)
		scheduleID func(s *db.Schedule) uuid.UUID
		wantReason string
	}{
		{
			name:       "schedule_missing",
			scheduleID: func(*db.Schedule) uuid.UUID { return uuid.New() },
			wantReason: ReasonNotFound,
		},
		{
			name:       "user_inactive",
			setup:      func(te *testEnv, s *db.Schedule) { te.store.users[s.UserID].IsActive = false },
			wantReason: ReasonUserNotFound,
		},
		{
			name:       "no_channels",
			setup:      func(te *testEnv, s *db.Schedule) { delete(te.store.settings, s.UserID) },
			wantReason: ReasonNoChannels,
		},
		{
			name: "insufficient_wardrobe",
			setup: func(te *testEnv, s *db.Schedule) {
				te.recommend.err = fmt.Errorf("%w: no tops", recommend.ErrInsufficientData)
			},
			wantReason: "insufficient wardrobe data: no tops",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(t, monday(8, 0, 0))
			s, _ := seedScheduled(te, false)
			if tt.setup != nil {
				tt.setup(te, s)
			}
			id := s.ID
			if tt.scheduleID != nil {
				id = tt.scheduleID(s)
			}

			out, err := te.env.ProcessScheduled(context.Background(), worker.JobRun{Try: 3}, ProcessArgs{ScheduleID: id})
			if err != nil {
				t.Fatalf("ProcessScheduled: %v", err)
			}
			if out.Status != OutcomeSkipped || out.Reason != tt.wantReason {
				t.Errorf("outcome = %+v, want skipped %q", out, tt.wantReason)
			}
			if len(te.dispatcher.outfitSends) != 0 {
				t.Error("skipped schedule should not dispatch")
			}
			if len(te.store.resets) != 0 {
				t.Error("skip should not reset the trigger")
			}
		})
	}
}

func TestProcessScheduled_FailureResetsTriggerFromThirdTry(t *testing.T) {
	tests := []struct {
		try       int
		wantReset bool
	}{
		{1, false},
		{2, false},
		{3, true},
		{4, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("try_%d", tt.try), func(t *testing.T) {
			te := newTestEnv(t, monday(8, 0, 0))
			s, _ := seedScheduled(te, false)
			triggered := monday(8, 0, 0)
			s.LastTriggeredAt = &triggered
			te.recommend.err = errors.New("recommendation service returned 503")

			_, err := te.env.ProcessScheduled(context.Background(), worker.JobRun{Try: tt.try}, ProcessArgs{ScheduleID: s.ID})
			if err == nil {
				t.Fatal("expected error for redelivery")
			}

			reset := te.store.schedule(s.ID).LastTriggeredAt == nil
			if reset != tt.wantReset {
				t.Errorf("reset = %v, want %v", reset, tt.wantReset)
			}
		})
	}
}

func TestProcessScheduled_StoreErrorIsReturned(t *testing.T) {
	te := newTestEnv(t, monday(8, 0, 0))
	s, _ := seedScheduled(te, false)
	te.store.scheduleErr = errors.New("db down")

	if _, err := te.env.ProcessScheduled(context.Background(), worker.JobRun{Try: 1}, ProcessArgs{ScheduleID: s.ID}); err == nil {
		t.Error("expected error")
	}
}

func TestHandlers_DecodeArgs(t *testing.T) {
	te := newTestEnv(t, monday(8, 0, 0))
	s, outfit := seedScheduled(te, false)
	handlers := te.env.Handlers()

	args, _ := json.Marshal(ProcessArgs{ScheduleID: s.ID})
	result, err := handlers[JobProcessScheduled](context.Background(), worker.JobRun{Name: JobProcessScheduled, Try: 1}, args)
	if err != nil {
		t.Fatalf("process handler: %v", err)
	}
	if out, ok := result.(Outcome); !ok || out.Status != OutcomeSent {
		t.Errorf("result = %#v", result)
	}

	te.store.outfits[outfit.ID] = outfit
	args, _ = json.Marshal(SendArgs{UserID: s.UserID, OutfitID: outfit.ID})
	result, err = handlers[JobSendNotification](context.Background(), worker.JobRun{Name: JobSendNotification, Try: 1}, args)
	if err != nil {
		t.Fatalf("send handler: %v", err)
	}
	if res, ok := result.(SendResult); !ok || !res.Success {
		t.Errorf("result = %#v", result)
	}

	_, err = handlers[JobProcessScheduled](context.Background(), worker.JobRun{Name: JobProcessScheduled, Try: 1}, json.RawMessage(`{"schedule_id":`))
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Errorf("malformed args err = %v", err)
	}
}

func TestSendNotification(t *testing.T) {
	te := newTestEnv(t, monday(8, 0, 0))
	userID := uuid.New()
	outfit := &db.Outfit{ID: uuid.New(), UserID: userID, ItemCount: 2}
	te.store.outfits[outfit.ID] = outfit

	res, err := te.env.SendNotification(context.Background(), SendArgs{UserID: userID, OutfitID: outfit.ID})
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if sends := te.dispatcher.outfitSends; len(sends) != 1 || sends[0].Outfit.ID != outfit.ID || sends[0].ForTomorrow {
		t.Errorf("sends = %+v", sends)
	}

	if _, err := te.env.SendNotification(context.Background(), SendArgs{UserID: userID, OutfitID: uuid.New()}); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("missing outfit err = %v, want ErrNotFound", err)
	}
}

func TestSendNotification_OutfitOfAnotherUser(t *testing.T) {
	te := newTestEnv(t, monday(8, 0, 0))
	owner := uuid.New()
	outfit := &db.Outfit{ID: uuid.New(), UserID: owner, ItemCount: 2}
	te.store.outfits[outfit.ID] = outfit

	res, err := te.env.SendNotification(context.Background(), SendArgs{UserID: uuid.New(), OutfitID: outfit.ID})
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if res.Success || res.Skipped != ReasonOutfitOwner {
		t.Errorf("result = %+v, want skipped %s", res, ReasonOutfitOwner)
	}
	if n := len(te.dispatcher.outfitSends); n != 0 {
		t.Errorf("sent %d notifications for another user's outfit", n)
	}
}
