package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/pubq/internal/bus"
	"github.com/you/pubq/internal/config"
	"github.com/you/pubq/internal/domain"
	"github.com/you/pubq/internal/escalator"
	"github.com/you/pubq/internal/metrics"
	"github.com/you/pubq/internal/storage"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	sigBus := bus.New(rdb)
	sink := metrics.NewLogSink(log)
	esc := escalator.New(store, sigBus, sink, log,
		time.Duration(cfg.RetentionDays)*24*time.Hour)

	a := &api{store: store, bus: sigBus, esc: esc, log: log}

	rtr := chi.NewRouter()
	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Get("/schedules/{id}", a.getSchedule)
		rtr.Post("/schedules/{id}/trigger", a.triggerSchedule)
		rtr.Post("/schedules/{id}/cancel", a.cancelSchedule)
		rtr.Post("/schedules/{id}/reschedule", a.reschedule)
		rtr.Get("/dlq", a.listDeadLetters)
		rtr.Post("/dlq/{id}/retry", a.retryDeadLetter)
		rtr.Post("/alerts/{id}/resolve", a.resolveAlert)
	})

	srv := &http.Server{Addr: cfg.APIAddr, Handler: rtr}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve", zap.Error(err))
	}
}

type api struct {
	store *storage.Store
	bus   bus.Bus
	esc   *escalator.Escalator
	log   *zap.Logger
}

func (a *api) getSchedule(w http.ResponseWriter, r *http.Request) {
	it, err := a.store.Item(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, it)
}

// triggerSchedule queues the item for immediate publish and emits the
// item signal directly, skipping the minute-tick wait.
func (a *api) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualSignal
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	it, err := a.store.ManualTrigger(r.Context(), id, req.UserID, time.Now().UTC())
	if err != nil {
		a.fail(w, err)
		return
	}
	sig := domain.ItemSignal{
		ScheduleID: it.ID,
		ContentID:  it.ContentID,
		ProjectID:  it.ProjectID,
		Attempt:    it.Attempts + 1,
	}
	if err := a.bus.EmitItem(r.Context(), sig); err != nil {
		// The mutation stuck; the next fan-out tick picks the item up.
		a.log.Error("emit manual trigger", zap.String("schedule_id", id), zap.Error(err))
	}
	a.json(w, http.StatusAccepted, it)
}

func (a *api) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelSignal
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.store.Cancel(r.Context(), id, req.UserID, req.Reason, time.Now().UTC()); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (a *api) reschedule(w http.ResponseWriter, r *http.Request) {
	var req domain.RescheduleSignal
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.store.Reschedule(r.Context(), id, req.NewScheduleTime, req.UserID, time.Now().UTC()); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "rescheduled"})
}

func (a *api) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.SweepableDeadLetters(r.Context(), 100)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, entries)
}

func (a *api) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := a.esc.Resubmit(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"status": "resubmitted"})
}

func (a *api) resolveAlert(w http.ResponseWriter, r *http.Request) {
	if err := a.store.ResolveAlert(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *api) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("encode response", zap.Error(err))
	}
}

func (a *api) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrIneligible):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
