package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shaxpir/sharedb-sub001/config"
	"github.com/shaxpir/sharedb-sub001/internal/jobqueue"
	"github.com/shaxpir/sharedb-sub001/internal/logging"
	"github.com/shaxpir/sharedb-sub001/protocol"
)

const debounceTaskType = "doc:unsubscribe"

// unsubscribeDebouncer delays releasing a document from the hosted
// session for cfg.UnsubscribeDebounce after its last subscriber leaves,
// so a tab that resubscribes moments later (e.g. on a page reload) never
// pays the cost of a full doc.subscribe round trip again. Scheduling runs
// on a jobqueue.Runtime backed by a real Redis-backed queue rather than an
// in-process timer, so the debounce survives this Coordinator process
// restarting.
type unsubscribeDebouncer struct {
	runtime *jobqueue.Runtime
	release func(protocol.DocKey)
	delay   time.Duration
}

type unsubscribeTaskPayload struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func taskIDFor(key protocol.DocKey) string {
	return "unsub:" + key.Collection + ":" + key.ID
}

func newUnsubscribeDebouncer(cfg config.Config, release func(protocol.DocKey)) (*unsubscribeDebouncer, error) {
	rt, err := jobqueue.NewRuntime(jobqueue.Config{RedisURL: cfg.RedisURL, Queue: "default"})
	if err != nil {
		return nil, fmt.Errorf("build debounce runtime: %w", err)
	}

	d := &unsubscribeDebouncer{
		runtime: rt,
		release: release,
		delay:   cfg.UnsubscribeDebounce,
	}

	rt.Mux.HandleFunc(debounceTaskType, d.handle)

	if err := rt.Start(); err != nil {
		return nil, fmt.Errorf("start debounce worker: %w", err)
	}

	return d, nil
}

func (d *unsubscribeDebouncer) handle(ctx context.Context, t *asynq.Task) error {
	var p unsubscribeTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode unsubscribe task payload: %w", err)
	}
	d.release(protocol.DocKey{Collection: p.Collection, ID: p.ID})
	return nil
}

// Schedule enqueues a delayed release of key, keyed by a deterministic
// task id so a document never has more than one pending release.
func (d *unsubscribeDebouncer) Schedule(key protocol.DocKey) {
	payload := unsubscribeTaskPayload{Collection: key.Collection, ID: key.ID}
	if err := d.runtime.EnqueueIn(d.delay, debounceTaskType, taskIDFor(key), payload); err != nil {
		logging.For("coordinator").WithError(err).WithField("doc", key.String()).Warn("failed to schedule debounced unsubscribe")
	}
}

// Cancel drops a pending scheduled release for key, used when a new tab
// subscribes before the debounce window elapses. Missing/already-run
// tasks are not an error.
func (d *unsubscribeDebouncer) Cancel(key protocol.DocKey) {
	if err := d.runtime.CancelTask(taskIDFor(key)); err != nil {
		logging.For("coordinator").WithError(err).WithField("doc", key.String()).Debug("failed to cancel debounced unsubscribe")
	}
}

func (d *unsubscribeDebouncer) Close() error {
	return d.runtime.Stop()
}
