package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/platemate/platemate/internal/reconcile"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/schema"
	"github.com/platemate/platemate/internal/store/streak"
)

// SyncCompleteData summarizes a reconcile pass.
type SyncCompleteData struct {
	Online    bool          `json:"online"`
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

// Summary is the /v1/summary response.
type Summary struct {
	Totals *schema.DailyTotals `json:"totals"`
	Streak *schema.StreakState `json:"streak"`
	Weight *schema.WeightEntry `json:"weight,omitempty"`
	Earned []streak.Milestone  `json:"earned,omitempty"`
	Next   *NextMilestone      `json:"next,omitempty"`
}

// NextMilestone is the next streak achievement and the days left to it.
type NextMilestone struct {
	streak.Milestone
	Remaining int `json:"remaining"`
}

// OnStoreChanged broadcasts the store's current statistics. It is meant to
// be subscribed to the change watcher.
func (s *Server) OnStoreChanged() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	stats, err := s.reader.Stats(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to read store stats")
		s.publish(MessageTypeStoreChanged, nil)
		return
	}
	s.publish(MessageTypeStoreChanged, stats)
}

// OnSyncComplete broadcasts the outcome of a reconcile pass.
func (s *Server) OnSyncComplete(res reconcile.Result) {
	s.publish(MessageTypeSyncComplete, SyncCompleteData{
		Online:    res.Online(),
		Pushed:    res.Push.Pushed,
		Pulled:    res.Pull.Applied(),
		Conflicts: res.Pull.KeptLocal,
		Duration:  res.Duration,
	})
}

// OnStreakUpdated broadcasts a recomputed streak.
func (s *Server) OnStreakUpdated(state *schema.StreakState) {
	if state == nil {
		return
	}
	s.publish(MessageTypeStreakUpdated, state)
}

func (s *Server) publish(typ MessageType, v any) {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			s.log.WithError(err).WithField("type", typ).Warn("failed to marshal message data")
			return
		}
		msg.Data = data
	}
	s.Broadcast(msg)
}

// handleSummary serves GET /v1/summary?user=ID[&day=YYYY-MM-DD].
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		respondWithError(w, http.StatusBadRequest, "user is required")
		return
	}
	day := time.Now().In(s.cfg.Location)
	if v := r.URL.Query().Get("day"); v != "" {
		d, err := time.ParseInLocation(schema.DayLayout, v, s.cfg.Location)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = d
	}

	sum, err := s.summary(r.Context(), user, day)
	if err != nil {
		s.log.WithError(err).WithField("user", user).Warn("failed to build summary")
		respondWithError(w, http.StatusInternalServerError, "failed to read store")
		return
	}
	respondWithJSON(w, http.StatusOK, sum)
}

func (s *Server) summary(ctx context.Context, user string, day time.Time) (*Summary, error) {
	totals, err := s.reader.DailyTotals(ctx, user, day, s.cfg.Location)
	if err != nil {
		return nil, err
	}
	st, err := s.reader.Streak(ctx, user)
	if err != nil {
		return nil, err
	}
	weight, err := s.reader.CurrentWeight(ctx, user)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	sum := &Summary{
		Totals: totals,
		Streak: st,
		Weight: weight,
		Earned: streak.Reached(st.CurrentStreak),
	}
	if m, left, ok := streak.Next(st.CurrentStreak); ok {
		sum.Next = &NextMilestone{Milestone: m, Remaining: left}
	}
	return sum, nil
}
