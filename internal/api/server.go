// It defines the admin API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vrsandeep/imdb-etl/internal/core"
	"github.com/vrsandeep/imdb-etl/internal/jobs"
	"github.com/vrsandeep/imdb-etl/internal/models"
)

// Queue is the operator surface of the job queue.
type Queue interface {
	Known(queue string) bool
	Enqueue(ctx context.Context, queue string, payload any) (int64, error)
	Stats(ctx context.Context) ([]models.QueueStats, error)
	Failed(ctx context.Context, queue string, limit int) ([]*models.Job, error)
	Get(ctx context.Context, id int64) (*models.Job, error)
	Retry(ctx context.Context, id int64) error
	RetryFailed(ctx context.Context, queue string) (int64, error)
}

// Server holds the dependencies for our API.
type Server struct {
	queue     Queue
	schedules func() []jobs.Schedule
	health    func(ctx context.Context) map[string]error
	progress  http.HandlerFunc
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{
		queue:     app.Broker(),
		schedules: app.Scheduler().Schedules,
		health:    app.Health,
		progress:  app.WsHub().ServeWs,
	}
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Logs requests to the console
	r.Use(middleware.Recoverer) // Recovers from panics
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/queues", s.handleListQueues)
		r.Get("/queues/{queue}/failed", s.handleListFailed)
		r.Post("/queues/{queue}/retry", s.handleRetryQueue)

		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/retry", s.handleRetryJob)

		r.Post("/triggers/{queue}", s.handleTrigger)
		r.Get("/schedules", s.handleListSchedules)
	})

	// WebSocket route
	r.Get("/ws/progress", s.progress)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	code := http.StatusOK
	for name, err := range s.health(r.Context()) {
		if err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	if code == http.StatusOK {
		status["status"] = "ok"
	} else {
		status["status"] = "degraded"
	}
	RespondWithJSON(w, code, status)
}
