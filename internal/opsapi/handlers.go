package opsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"guildtimer/internal/scheduler"
	"guildtimer/internal/timer"
)

// initializeTimeout bounds a recovery triggered over HTTP.
const initializeTimeout = 30 * time.Second

type healthResponse struct {
	Status     string                  `json:"status"`
	FirstError string                  `json:"first_error,omitempty"`
	Tasks      []supervisorTaskSummary `json:"tasks,omitempty"`
}

type supervisorTaskSummary struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Panics  uint64 `json:"panics,omitempty"`
	LastErr string `json:"last_err,omitempty"`
}

type tenantView struct {
	Tenant    string `json:"tenant"`
	Recovered bool   `json:"recovered"`
	Timers    int    `json:"timers"`
}

type timerView struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	OwnerID     string                   `json:"owner_id"`
	Kind        timer.Kind               `json:"kind"`
	Status      timer.Status             `json:"status"`
	Descriptor  scheduler.DescriptorKind `json:"descriptor,omitempty"`
	DurationMS  int64                    `json:"duration_ms"`
	RemainingMS int64                    `json:"remaining_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.health != nil {
		snap := s.health.Snapshot()
		resp.FirstError = snap.FirstError
		for _, t := range snap.Tasks {
			resp.Tasks = append(resp.Tasks, supervisorTaskSummary{
				Name: t.Name, Running: t.Running, Panics: t.Panics, LastErr: t.LastErr,
			})
		}
	}
	code := http.StatusOK
	if resp.FirstError != "" {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleTenants(w http.ResponseWriter, _ *http.Request) {
	out := []tenantView{}
	for _, t := range s.sched.Tenants() {
		out = append(out, tenantView{
			Tenant:    t,
			Recovered: s.sched.Recovered(t),
			Timers:    len(s.sched.GetTimersForTenant(t)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

func (s *Server) handleListTimers(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	out := []timerView{}
	for _, t := range s.sched.GetTimersForTenant(tenant) {
		v := timerView{
			ID:          t.ID(),
			Name:        t.Name(),
			OwnerID:     t.OwnerID(),
			Kind:        t.Kind(),
			Status:      t.Status(),
			DurationMS:  t.Duration().Milliseconds(),
			RemainingMS: t.Remaining().Milliseconds(),
		}
		if d, ok := s.sched.Descriptor(tenant, t.ID()); ok {
			v.Descriptor = d.Kind
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":    tenant,
		"recovered": s.sched.Recovered(tenant),
		"timers":    out,
	})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(chi.URLParam(r, "tenant"))
	ctx, cancel := context.WithTimeout(r.Context(), initializeTimeout)
	defer cancel()
	rep := s.sched.InitializeTenant(ctx, tenant)
	if rep.Err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"report": rep, "error": rep.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenant, id := chi.URLParam(r, "tenant"), chi.URLParam(r, "id")
	if !s.sched.CancelTimer(r.Context(), tenant, id) {
		http.Error(w, "timer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	n := s.sched.CancelAllForTenant(r.Context(), chi.URLParam(r, "tenant"))
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
