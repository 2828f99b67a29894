// Package jobqueue wraps an asynq client/server/inspector triple behind
// the shape every consumer in this module needs: enqueue now, enqueue
// after a delay, cancel a not-yet-run delayed task by its deterministic
// id, and fall back to a safe no-op when no Redis is configured.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shaxpir/sharedb-sub001/internal/logging"
)

// Runtime encapsulates the asynq client, server, inspector, and mux used
// to run one delayed-task queue.
type Runtime struct {
	Client    *asynq.Client
	Server    *asynq.Server
	Inspector *asynq.Inspector
	Mux       *asynq.ServeMux

	queue string
}

// Config holds job runtime configuration.
type Config struct {
	RedisURL    string
	Concurrency int
	Queue       string
}

// NewRuntime builds a Runtime against redisURL. An empty redisURL returns
// a no-op Runtime (nil Client/Server/Inspector) for use without Redis:
// Enqueue/EnqueueIn become logged no-ops and CancelTask is a no-op.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.RedisURL == "" {
		return &Runtime{Mux: asynq.NewServeMux(), queue: cfg.Queue}, nil
	}

	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: invalid redis url: %w", err)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency:  concurrency,
		Queues:       map[string]int{cfg.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(handleError),
		Logger:       &logger{},
	})

	return &Runtime{
		Client:    asynq.NewClient(opt),
		Server:    server,
		Inspector: asynq.NewInspector(opt),
		Mux:       asynq.NewServeMux(),
		queue:     cfg.Queue,
	}, nil
}

// Start begins processing tasks registered on Mux. A no-op Runtime
// returns nil immediately.
func (r *Runtime) Start() error {
	if r.Server == nil {
		return nil
	}
	return r.Server.Start(r.Mux)
}

// Stop gracefully shuts down task processing and releases the client and
// inspector. Safe to call on a no-op Runtime.
func (r *Runtime) Stop() error {
	if r.Server == nil {
		return nil
	}
	r.Server.Shutdown()
	_ = r.Inspector.Close()
	return r.Client.Close()
}

// Enqueue schedules taskType with payload, applying opts (e.g.
// asynq.TaskID, asynq.ProcessIn). A no-op Runtime logs and returns nil.
func (r *Runtime) Enqueue(taskType string, payload interface{}, opts ...asynq.Option) error {
	if r.Client == nil {
		logging.For("jobqueue").WithField("task", taskType).Debug("no redis configured, skipping enqueue")
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data, opts...)
	info, err := r.Client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("jobqueue: enqueue task: %w", err)
	}
	logging.For("jobqueue").WithField("task", taskType).WithField("id", info.ID).Debug("enqueued")
	return nil
}

// EnqueueIn schedules taskType to run after delay, with a stable id so a
// later CancelTask(id) can retract it before it runs.
func (r *Runtime) EnqueueIn(delay time.Duration, taskType, id string, payload interface{}) error {
	return r.Enqueue(taskType, payload, asynq.TaskID(id), asynq.Queue(r.queue), asynq.ProcessIn(delay))
}

// CancelTask retracts a not-yet-run task scheduled with EnqueueIn. Already
// run, already canceled, or unknown ids are not an error. A no-op Runtime
// ignores the call.
func (r *Runtime) CancelTask(id string) error {
	if r.Inspector == nil {
		return nil
	}
	if err := r.Inspector.DeleteTask(r.queue, id); err != nil && err != asynq.ErrTaskNotFound {
		return err
	}
	return nil
}

func handleError(ctx context.Context, task *asynq.Task, err error) {
	logging.For("jobqueue").WithError(err).WithField("task", task.Type()).Warn("task processing failed")
}

// logger adapts this module's shared logrus logger to asynq's Logger
// interface.
type logger struct{}

func (l *logger) Debug(args ...interface{}) { logging.For("jobqueue").Debug(args...) }
func (l *logger) Info(args ...interface{})  { logging.For("jobqueue").Info(args...) }
func (l *logger) Warn(args ...interface{})  { logging.For("jobqueue").Warn(args...) }
func (l *logger) Error(args ...interface{}) { logging.For("jobqueue").Error(args...) }
func (l *logger) Fatal(args ...interface{}) { logging.For("jobqueue").Fatal(args...) }
