package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"presenced/internal/engine"
	"presenced/internal/ics"
	appLog "presenced/internal/log"
	"presenced/internal/model"
)

// ruleDTO is the JSON view of a rule.
type ruleDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Emoji     string `json:"emoji_id"`
	Priority  int    `json:"priority"`
	Kind      string `json:"kind"`
	Class     string `json:"class"`
	Enabled   bool   `json:"enabled"`
	Days      string `json:"days,omitempty"`
	TimeStart string `json:"time_start,omitempty"`
	TimeEnd   string `json:"time_end,omitempty"`
	DateStart string `json:"date_start,omitempty"`
	DateEnd   string `json:"date_end,omitempty"`
}

func toRuleDTO(r model.Rule) ruleDTO {
	d := ruleDTO{
		ID:       r.ID,
		Name:     r.Name,
		Emoji:    string(r.Emoji),
		Priority: r.Priority,
		Kind:     string(r.Kind),
		Class:    string(r.Class),
		Enabled:  r.Enabled,
	}
	switch r.Kind {
	case model.KindRecurring:
		d.Days = r.Days.String()
		d.TimeStart, d.TimeEnd = r.TimeStart.String(), r.TimeEnd.String()
	case model.KindDateRange:
		d.DateStart, d.DateEnd = r.DateStart.String(), r.DateEnd.String()
		if r.HasTime {
			d.TimeStart, d.TimeEnd = r.TimeStart.String(), r.TimeEnd.String()
		}
	}
	return d
}

func toRuleDTOs(rules []model.Rule) []ruleDTO {
	out := make([]ruleDTO, 0, len(rules))
	for _, r := range rules {
		out = append(out, toRuleDTO(r))
	}
	return out
}

// createRuleRequest is the body of POST /api/rules.
//
//	{"class":"custom","name":"gym","emoji_id":"1","days":"tue,thu","time_start":"07:00","time_end":"09:00"}
//	{"class":"override","name":"vacation","emoji_id":"2","date_start":"2025-12-24","date_end":"2025-12-26"}
type createRuleRequest struct {
	Class     string `json:"class"`
	Name      string `json:"name"`
	Emoji     string `json:"emoji_id"`
	Priority  *int   `json:"priority,omitempty"`
	Days      string `json:"days,omitempty"`
	TimeStart string `json:"time_start,omitempty"`
	TimeEnd   string `json:"time_end,omitempty"`
	DateStart string `json:"date_start,omitempty"`
	DateEnd   string `json:"date_end,omitempty"`
}

func (req createRuleRequest) toRule() (model.Rule, error) {
	switch model.Class(req.Class) {
	case model.ClassCustom, "":
		days, err := model.ParseWeekdays(req.Days)
		if err != nil {
			return model.Rule{}, &model.ValidationError{Field: "days", Msg: err.Error()}
		}
		start, end, err := parseWindow(req.TimeStart, req.TimeEnd)
		if err != nil {
			return model.Rule{}, err
		}
		prio := model.PriorityCustom
		if req.Priority != nil {
			prio = *req.Priority
		}
		return model.NewRecurring(model.ClassCustom, req.Name, model.EmojiID(req.Emoji), prio, days, start, end), nil

	case model.ClassOverride:
		from, err := model.ParseDate(req.DateStart)
		if err != nil {
			return model.Rule{}, &model.ValidationError{Field: "date_start", Msg: err.Error()}
		}
		to := from
		if req.DateEnd != "" {
			if to, err = model.ParseDate(req.DateEnd); err != nil {
				return model.Rule{}, &model.ValidationError{Field: "date_end", Msg: err.Error()}
			}
		}
		r := model.NewOverride(req.Name, model.EmojiID(req.Emoji), from, to)
		if req.TimeStart != "" || req.TimeEnd != "" {
			start, end, err := parseWindow(req.TimeStart, req.TimeEnd)
			if err != nil {
				return model.Rule{}, err
			}
			r.HasTime, r.TimeStart, r.TimeEnd = true, start, end
		}
		if req.Priority != nil {
			r.Priority = *req.Priority
		}
		return r, nil

	default:
		return model.Rule{}, &model.ValidationError{Field: "class", Msg: "must be custom or override"}
	}
}

// parseWindow reads a start/end pair; a missing end means 23:59.
func parseWindow(start, end string) (model.TimeOfDay, model.TimeOfDay, error) {
	if start == "" {
		start = "00:00"
	}
	if end == "" {
		end = "23:59"
	}
	s, err := model.ParseTimeOfDay(start)
	if err != nil {
		return 0, 0, &model.ValidationError{Field: "time_start", Msg: err.Error()}
	}
	e, err := model.ParseTimeOfDay(end)
	if err != nil {
		return 0, 0, &model.ValidationError{Field: "time_end", Msg: err.Error()}
	}
	return s, e, nil
}

type statusResponse struct {
	SchedulingEnabled bool       `json:"scheduling_enabled"`
	Phase             string     `json:"phase"`
	LastApplied       string     `json:"last_applied,omitempty"`
	LastTick          *time.Time `json:"last_tick,omitempty"`
	Fatal             string     `json:"fatal,omitempty"`
	Timezone          string     `json:"timezone"`
	Now               time.Time  `json:"now"`
	Current           *ruleDTO   `json:"current,omitempty"`
	Meeting           *ruleDTO   `json:"meeting,omitempty"`
	CalendarMeeting   *bool      `json:"calendar_meeting,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := s.eng.Status()
	now := s.now().In(s.eng.Location())

	resp := statusResponse{
		SchedulingEnabled: snap.SchedulingEnabled,
		Phase:             string(snap.Phase),
		Timezone:          s.eng.Location().String(),
		Now:               now,
	}
	if snap.HasLastApplied {
		resp.LastApplied = string(snap.LastApplied)
	}
	if !snap.LastTick.IsZero() {
		t := snap.LastTick
		resp.LastTick = &t
	}
	if snap.Fatal != nil {
		resp.Fatal = snap.Fatal.Error()
	}

	current, ok, err := s.eng.DescribeCurrentResolution(ctx, now)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if ok {
		d := toRuleDTO(current)
		resp.Current = &d
	}
	meeting, ok, err := s.eng.Overlay.Active(ctx)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if ok {
		d := toRuleDTO(meeting)
		resp.Meeting = &d
	}
	if s.poller != nil {
		active := s.poller.Active()
		resp.CalendarMeeting = &active
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.eng.Resume()
	res := s.eng.ReconcileNow(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reconcile": res.Outcome})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (req enabledRequest) value() (bool, error) {
	if req.Enabled == nil {
		return false, &model.ValidationError{Field: "enabled", Msg: "is required"}
	}
	return *req.Enabled, nil
}

func (s *Server) handleScheduling(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	enabled, err := req.value()
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.eng.SetSchedulingEnabled(r.Context(), enabled); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduling_enabled": enabled})
}

// handleMeeting starts or ends the meeting overlay for external integrations
// (video-call hooks and the like).
//
//	POST /api/meeting?action=start&emoji_id=5368324170671202286
//	POST /api/meeting?action=start   (uses the stored default emoji)
//	POST /api/meeting?action=end
//
// The status is reconciled right away instead of on the next tick.
func (s *Server) handleMeeting(w http.ResponseWriter, r *http.Request) {
	if s.meetingToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("X-API-Token")
		}
		if !secureCompare(token, s.meetingToken) {
			writeError(w, http.StatusUnauthorized, "invalid or missing API token")
			return
		}
	}

	ctx := r.Context()
	q := r.URL.Query()
	switch q.Get("action") {
	case "start":
		rule, err := s.eng.StartMeeting(ctx, model.EmojiID(q.Get("emoji_id")))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		res := s.eng.ReconcileNow(context.WithoutCancel(ctx))
		body := map[string]any{
			"status":    "ok",
			"action":    "start",
			"emoji_id":  rule.Emoji,
			"rule_id":   rule.ID,
			"reconcile": res.Outcome,
		}
		if res.Outcome == engine.OutcomeRemoteError {
			body["status"] = "partial"
			body["error"] = res.Err.Error()
			writeJSON(w, http.StatusBadGateway, body)
			return
		}
		writeJSON(w, http.StatusOK, body)

	case "end":
		wasActive, err := s.eng.EndMeeting(ctx)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		body := map[string]any{"status": "ok", "action": "end", "was_active": wasActive}
		if wasActive {
			res := s.eng.ReconcileNow(context.WithoutCancel(ctx))
			body["reconcile"] = res.Outcome
			if res.Rule.ID != 0 {
				body["scheduled_emoji_id"] = res.Rule.Emoji
			}
			if res.Outcome == engine.OutcomeRemoteError {
				appLog.Error("meeting end: restoring scheduled status failed", res.Err)
			}
		}
		writeJSON(w, http.StatusOK, body)

	default:
		writeError(w, http.StatusBadRequest, "invalid action, use 'start' or 'end'")
	}
}

type meetingDefaultRequest struct {
	Emoji string `json:"emoji_id"`
}

func (s *Server) handleGetMeetingDefault(w http.ResponseWriter, r *http.Request) {
	emoji, err := s.eng.Overlay.DefaultEmoji(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meetingDefaultRequest{Emoji: string(emoji)})
}

func (s *Server) handleSetMeetingDefault(w http.ResponseWriter, r *http.Request) {
	var req meetingDefaultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.eng.SetDefaultMeetingEmoji(r.Context(), model.EmojiID(req.Emoji)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleListRules returns every rule, or with ?active=1 only the ones the
// resolver considers right now.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	var (
		rules []model.Rule
		err   error
	)
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		rules, err = s.eng.ListActiveRules(r.Context(), s.now())
	} else {
		rules, err = s.eng.ListRules(r.Context())
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": toRuleDTOs(rules)})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	rule, err := req.toRule()
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	created, err := s.eng.CreateRule(r.Context(), rule)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(created))
}

func (s *Server) handleClearRules(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.ClearAll(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "scheduling_enabled": false})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	rule, err := s.eng.GetRule(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.eng.DeleteRule(r.Context(), id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req enabledRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	enabled, err := req.value()
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.eng.SetRuleEnabled(r.Context(), id, enabled); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

// eventDTO is a JSON-friendly view of a calendar event.
type eventDTO struct {
	SourceID string    `json:"source_id"`
	UID      string    `json:"uid"`
	Summary  string    `json:"summary"`
	AllDay   bool      `json:"all_day"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Hint     string    `json:"emoji_id,omitempty"`
}

type eventsResponse struct {
	Events     []eventDTO `json:"events"`
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
	// Partial is set when some calendar sources could not be read.
	Partial bool `json:"partial,omitempty"`
}

// eventsCache holds a cached /api/events response and its timestamp.
type eventsCache struct {
	hours     int
	resp      eventsResponse
	updatedAt time.Time
}

const eventsCacheTTL = 30 * time.Second

// handleEvents lists upcoming calendar events so a UI can show what the
// poller will react to.
//
// GET /api/events?hours=24 (max one week)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	hours := parseIntDefault(r.URL.Query().Get("hours"), 24)
	if hours <= 0 {
		hours = 24
	}
	if hours > 7*24 {
		hours = 7 * 24
	}

	now := s.now().In(s.eng.Location())
	if s.cal == nil {
		writeJSON(w, http.StatusOK, eventsResponse{Events: []eventDTO{}, RangeStart: now, RangeEnd: now})
		return
	}

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && ec.hours == hours && now.Sub(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	rangeEnd := now.Add(time.Duration(hours) * time.Hour)
	events, err := s.cal.QueryCalendar(r.Context(), now, rangeEnd)
	partial := ics.IsPartial(err)
	if err != nil && !partial {
		appLog.Error("api events: calendar query failed", err)
		writeError(w, http.StatusBadGateway, "calendar unavailable")
		return
	}
	if partial {
		appLog.Warn("api events: some calendar sources failed", "error", err.Error())
	}

	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, eventDTO{
			SourceID: ev.SourceID,
			UID:      ev.UID,
			Summary:  ev.Summary,
			AllDay:   ev.AllDay,
			Start:    ev.Start,
			End:      ev.End,
			Hint:     string(ev.Hint),
		})
	}
	resp := eventsResponse{Events: dtos, RangeStart: now, RangeEnd: rangeEnd, Partial: partial}

	if !partial {
		s.eventsMu.Lock()
		s.eventsCache = &eventsCache{hours: hours, resp: resp, updatedAt: now}
		s.eventsMu.Unlock()
	}

	writeJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
