// Package coordinator hosts the single authoritative session behind the
// bus: it dispatches every tab's request frame onto the hosted
// session.Session, tracks which tabs are interested in which documents,
// and fans hosted session/document events back out as broadcast frames.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/robfig/cron/v3"

	"github.com/shaxpir/sharedb-sub001/bus"
	"github.com/shaxpir/sharedb-sub001/config"
	"github.com/shaxpir/sharedb-sub001/internal/logging"
	"github.com/shaxpir/sharedb-sub001/protocol"
	"github.com/shaxpir/sharedb-sub001/session"
)

type docListenerSet struct {
	loadID, createID, opID, delID, errID uint64
}

// Coordinator is the single endpoint that owns the hosted session and
// routes requests and events between it and every tab on the bus.
type Coordinator struct {
	id      protocol.TabID
	cfg     config.Config
	session session.Session
	conn    bus.Conn
	db      *memdb.MemDB

	mu                 sync.Mutex
	activeTabs         map[protocol.TabID]time.Time
	docListeners       map[protocol.DocKey]docListenerSet
	sessionListenerIDs [2]uint64
	closed             bool

	cron      *cron.Cron
	debouncer *unsubscribeDebouncer
}

// New attaches a Coordinator to b and begins dispatching frames against
// sess. If cfg.RedisURL is set, document releases are debounced through
// an asynq-backed scheduler; otherwise a document is released from the
// hosted session the instant its last subscriber leaves.
func New(b bus.Bus, sess session.Session, opts ...config.Option) (*Coordinator, error) {
	cfg := config.Apply(opts...)
	if cfg.Debug {
		logging.SetDebug(true)
	}

	conn, err := b.Join(cfg.ChannelName)
	if err != nil {
		return nil, fmt.Errorf("coordinator: join channel %q: %w", cfg.ChannelName, err)
	}

	db, err := memdb.NewMemDB(subscriptionSchema)
	if err != nil {
		return nil, fmt.Errorf("coordinator: build subscription table: %w", err)
	}

	c := &Coordinator{
		id:           protocol.NewTabID(),
		cfg:          cfg,
		session:      sess,
		conn:         conn,
		db:           db,
		activeTabs:   make(map[protocol.TabID]time.Time),
		docListeners: make(map[protocol.DocKey]docListenerSet),
	}
	c.installSessionForwarding()

	if cfg.RedisURL != "" {
		deb, err := newUnsubscribeDebouncer(cfg, c.releaseDocument)
		if err != nil {
			logging.For("coordinator").WithError(err).Warn("debounced unsubscribe disabled: asynq setup failed")
		} else {
			c.debouncer = deb
		}
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(fmt.Sprintf("@every %s", interval), c.reapStaleTabs); err != nil {
		return nil, fmt.Errorf("coordinator: schedule stale-tab reaper: %w", err)
	}
	c.cron.Start()

	go c.recvLoop()
	return c, nil
}

func (c *Coordinator) installSessionForwarding() {
	c.sessionListenerIDs[0] = c.session.On("state", func(args ...interface{}) {
		var st session.State
		var reason string
		if len(args) > 0 {
			st, _ = args[0].(session.State)
		}
		if len(args) > 1 {
			reason, _ = args[1].(string)
		}
		c.broadcastConnectionEvent("state", statePayloadOut{State: st, Reason: reason})
	})
	c.sessionListenerIDs[1] = c.session.On("error", func(args ...interface{}) {
		var err error
		if len(args) > 0 {
			err, _ = args[0].(error)
		}
		c.broadcastConnectionEvent("error", protocol.NewWireError(err))
	})
}

func (c *Coordinator) recvLoop() {
	for {
		select {
		case frame, ok := <-c.conn.Messages():
			if !ok {
				return
			}
			c.handleInbound(frame)
		case err, ok := <-c.conn.Errors():
			if !ok {
				continue
			}
			logging.For("coordinator").WithError(err).Warn("bus transport error")
		}
	}
}

func (c *Coordinator) handleInbound(frame protocol.Frame) {
	if frame.TabID == c.id {
		return
	}
	if frame.TabID != "" {
		c.touchTab(frame.TabID)
	}

	switch frame.Type {
	case protocol.OpTabRegister:
		return
	case protocol.OpTabUnregister:
		c.cleanupTab(frame.TabID)
		return
	case protocol.OpCallback, protocol.OpDocEvent, protocol.OpConnectionEvent:
		// These opcodes only ever originate from this Coordinator; a frame
		// carrying one inbound is from another process's Coordinator on the
		// same channel, which this build does not support.
		return
	}

	handler, ok := dispatchTable[frame.Type]
	if !ok {
		if frame.IsRequest() {
			c.reply(frame, nil, protocol.NewError(protocol.CodeUnknownOpcode, "unknown opcode: "+string(frame.Type)))
		}
		return
	}
	c.invoke(frame, handler)
}

func (c *Coordinator) invoke(frame protocol.Frame, handler dispatchFunc) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("coordinator: handler panic: %v", r)
			logging.For("coordinator").WithField("opcode", frame.Type).Error(err)
			if frame.IsRequest() {
				c.reply(frame, nil, err)
			}
		}
	}()
	result, err := handler(c, frame)
	if err != nil {
		logging.For("coordinator").WithField("opcode", frame.Type).WithError(err).Debug("handler returned error")
	}
	if frame.IsRequest() {
		c.reply(frame, result, err)
	}
}

func (c *Coordinator) reply(frame protocol.Frame, result json.RawMessage, err error) {
	c.post(protocol.Frame{
		Type:       protocol.OpCallback,
		TabID:      c.id,
		Timestamp:  time.Now().UnixNano(),
		CallbackID: frame.CallbackID,
		Result:     result,
		Error:      protocol.NewWireError(err),
	})
}

func (c *Coordinator) post(frame protocol.Frame) {
	if err := c.conn.Post(frame); err != nil {
		logging.For("coordinator").WithError(err).Warn("dropped frame: post failed")
	}
}

func (c *Coordinator) broadcastDocEvent(key protocol.DocKey, event string, args interface{}) {
	raw, err := json.Marshal(args)
	if err != nil {
		logging.For("coordinator").WithError(err).WithField("event", event).Warn("dropping undeliverable doc event")
		return
	}
	c.post(protocol.Frame{
		Type:       protocol.OpDocEvent,
		TabID:      c.id,
		Timestamp:  time.Now().UnixNano(),
		Collection: key.Collection,
		ID:         key.ID,
		Event:      event,
		Args:       raw,
	})
}

func (c *Coordinator) broadcastConnectionEvent(event string, args interface{}) {
	raw, err := json.Marshal(args)
	if err != nil {
		logging.For("coordinator").WithError(err).WithField("event", event).Warn("dropping undeliverable connection event")
		return
	}
	c.post(protocol.Frame{
		Type:      protocol.OpConnectionEvent,
		TabID:     c.id,
		Timestamp: time.Now().UnixNano(),
		Event:     event,
		Args:      raw,
	})
}

func (c *Coordinator) broadcastWriteQueueState() {
	c.broadcastConnectionEvent("writeQueue", protocol.WriteQueueState{
		AutoFlush:       c.session.IsAutoFlush(),
		WriteQueueSize:  c.session.GetWriteQueueSize(),
		HasPendingWrite: c.session.HasPendingWrites(),
	})
}

func (c *Coordinator) touchTab(tabID protocol.TabID) {
	c.mu.Lock()
	c.activeTabs[tabID] = time.Now()
	c.mu.Unlock()
}

// installForwarding records tabID's interest in doc and, the first time
// any tab becomes interested in it, registers the event listeners that
// turn the hosted document's activity into doc.event broadcasts.
func (c *Coordinator) installForwarding(tabID protocol.TabID, doc session.Doc) {
	key := protocol.DocKey{Collection: doc.Collection(), ID: doc.ID()}

	if c.debouncer != nil {
		c.debouncer.Cancel(key)
	}

	txn := c.db.Txn(true)
	existing, _ := txn.First("subscription", "doc", key.Collection, key.ID)
	first := existing == nil
	if err := txn.Insert("subscription", subscriptionRow{TabID: string(tabID), Collection: key.Collection, DocID: key.ID}); err != nil {
		txn.Abort()
		logging.For("coordinator").WithError(err).Warn("failed to record subscription")
		return
	}
	txn.Commit()

	if !first {
		return
	}

	c.mu.Lock()
	_, already := c.docListeners[key]
	c.mu.Unlock()
	if already {
		return
	}

	ids := docListenerSet{
		loadID: doc.On("load", func(args ...interface{}) {
			c.broadcastDocEvent(key, "load", doc.Snapshot())
		}),
		createID: doc.On("create", func(args ...interface{}) {
			_, app := unwrapSource(firstArg(args, 0))
			c.broadcastDocEvent(key, "create", createEventOut{Source: app})
		}),
		opID: doc.On("op", func(args ...interface{}) {
			op, _ := firstArg(args, 0).([]byte)
			tab, app := unwrapSource(firstArg(args, 1))
			c.broadcastDocEvent(key, "op", opEventOut{Op: op, Source: app, TabID: tab})
		}),
		delID: doc.On("del", func(args ...interface{}) {
			data, _ := firstArg(args, 0).([]byte)
			_, app := unwrapSource(firstArg(args, 1))
			c.broadcastDocEvent(key, "del", delEventOut{Data: data, Source: app})
		}),
		errID: doc.On("error", func(args ...interface{}) {
			err, _ := firstArg(args, 0).(error)
			c.broadcastDocEvent(key, "error", protocol.NewWireError(err))
		}),
	}

	c.mu.Lock()
	c.docListeners[key] = ids
	c.mu.Unlock()
}

func firstArg(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// removeSubscription drops tabID's interest in doc. If no tab remains
// interested, the document is released (immediately, or after the
// configured debounce window).
func (c *Coordinator) removeSubscription(tabID protocol.TabID, doc session.Doc) {
	key := protocol.DocKey{Collection: doc.Collection(), ID: doc.ID()}
	txn := c.db.Txn(true)
	_ = txn.Delete("subscription", subscriptionRow{TabID: string(tabID), Collection: key.Collection, DocID: key.ID})
	remaining, _ := txn.First("subscription", "doc", key.Collection, key.ID)
	txn.Commit()

	if remaining == nil {
		c.onDocumentUnwatched(key)
	}
}

func (c *Coordinator) onDocumentUnwatched(key protocol.DocKey) {
	if c.debouncer != nil {
		c.debouncer.Schedule(key)
		return
	}
	c.releaseDocument(key)
}

// releaseDocument detaches this Coordinator's listeners from the hosted
// document and unsubscribes it. Called either immediately or, when
// debouncing is enabled, once the debounce window elapses without a new
// subscriber arriving.
func (c *Coordinator) releaseDocument(key protocol.DocKey) {
	c.mu.Lock()
	ids, ok := c.docListeners[key]
	delete(c.docListeners, key)
	c.mu.Unlock()
	if !ok {
		return
	}

	doc := c.session.Get(key.Collection, key.ID)
	doc.Off("load", ids.loadID)
	doc.Off("create", ids.createID)
	doc.Off("op", ids.opID)
	doc.Off("del", ids.delID)
	doc.Off("error", ids.errID)
	if err := doc.Unsubscribe(context.Background()); err != nil {
		logging.For("coordinator").WithError(err).WithField("doc", key.String()).Warn("failed to unsubscribe released document")
	}
}

// cleanupTab removes a tab from every document's subscriber set and from
// the active-tab set. Safe to call more than once for the same tab.
func (c *Coordinator) cleanupTab(tabID protocol.TabID) {
	txn := c.db.Txn(true)
	var rows []subscriptionRow
	if it, err := txn.Get("subscription", "tab", string(tabID)); err == nil {
		for obj := it.Next(); obj != nil; obj = it.Next() {
			rows = append(rows, obj.(subscriptionRow))
		}
	}
	for _, row := range rows {
		_ = txn.Delete("subscription", row)
	}
	var emptied []protocol.DocKey
	for _, row := range rows {
		remaining, _ := txn.First("subscription", "doc", row.Collection, row.DocID)
		if remaining == nil {
			emptied = append(emptied, protocol.DocKey{Collection: row.Collection, ID: row.DocID})
		}
	}
	txn.Commit()

	c.mu.Lock()
	delete(c.activeTabs, tabID)
	c.mu.Unlock()

	for _, key := range emptied {
		c.onDocumentUnwatched(key)
	}
}

func (c *Coordinator) reapStaleTabs() {
	deadline := time.Now().Add(-c.cfg.StaleTabWindow)
	c.mu.Lock()
	var stale []protocol.TabID
	for tab, seen := range c.activeTabs {
		if seen.Before(deadline) {
			stale = append(stale, tab)
		}
	}
	c.mu.Unlock()
	for _, tab := range stale {
		c.cleanupTab(tab)
	}
}

// Stats is a point-in-time snapshot of Coordinator bookkeeping, useful
// for health checks and tests.
type Stats struct {
	ActiveTabs       int
	WatchedDocuments int
}

// Stats reports the current number of tabs seen within the stale-tab
// window and the number of documents with at least one subscriber.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{ActiveTabs: len(c.activeTabs), WatchedDocuments: len(c.docListeners)}
}

// Shutdown stops the reaper and debounce scheduler, detaches session
// listeners, and releases the bus connection. Idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	stopped := c.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}

	if c.debouncer != nil {
		if err := c.debouncer.Close(); err != nil {
			logging.For("coordinator").WithError(err).Warn("error closing debounce scheduler")
		}
	}

	c.session.Off("state", c.sessionListenerIDs[0])
	c.session.Off("error", c.sessionListenerIDs[1])

	return c.conn.Close()
}
