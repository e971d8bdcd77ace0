package ws

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/vaultroom/vaultroom/config"
	"github.com/vaultroom/vaultroom/globals"
	"github.com/vaultroom/vaultroom/keys"
	"github.com/vaultroom/vaultroom/metrics"
	"github.com/vaultroom/vaultroom/room"
	"github.com/vaultroom/vaultroom/types"
	"golang.org/x/sync/errgroup"
)

const (
	pongWait            = 2 * time.Minute
	pingPeriod          = time.Minute
	writeWait           = 10 * time.Second
	taskQueueSize       = 1024
	shutdownConcurrency = 8
	readLimitSlack      = 1024
	defaultSweepMaxAge  = 30 * time.Minute
)

// Hub owns every live connection of this process and the single ordering
// queue through which all room mutations pass: locally-originated socket
// events and storage-layer notifications are serialized here, so they never
// interleave destructively for the same room.
type Hub struct {
	Cfg *config.Config

	svc     *room.Service
	metrics *metrics.Metrics

	// Register a new client to the hub.
	Register chan *Client

	// Unregister a client from the hub.
	Unregister chan *Client

	// tasks is the process-wide ordering queue. One consumer: the Run loop.
	tasks chan func()

	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	// connect passwords of rooms with local connections, keyed by room id;
	// the notification pipeline needs them to decrypt snapshots
	roomPasswords map[string]string

	// most recent merged view broadcast per room, the baseline for diffs
	localView map[string]*types.Room

	sweepMaxAge time.Duration

	// mutex for manipulating the clients and room bookkeeping
	sync.RWMutex
}

func NewHub(cfg *config.Config, svc *room.Service, m *metrics.Metrics) *Hub {
	sweepMaxAge := defaultSweepMaxAge
	if d, err := time.ParseDuration(cfg.SweepConfig.MaxAge); err == nil && d > 0 {
		sweepMaxAge = d
	}
	return &Hub{
		Cfg:           cfg,
		svc:           svc,
		metrics:       m,
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		tasks:         make(chan func(), taskQueueSize),
		clients:       make(map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
		roomPasswords: make(map[string]string),
		localView:     make(map[string]*types.Room),
		sweepMaxAge:   sweepMaxAge,
	}
}

// NoClients returns the number of clients registered.
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// Enqueue puts fn on the ordering queue. A queued task has no cancellation;
// once enqueued it runs to completion, failures are logged and never
// silently dropped.
func (h *Hub) Enqueue(name string, fn func() error) {
	h.tasks <- func() {
		if err := fn(); err != nil {
			globals.AppLogger.Error("task failed", "task", name, "error", err)
		}
	}
}

// Run is the main hub event loop handling register, unregister and the
// ordering queue.
func (h *Hub) Run() {
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if spec := h.Cfg.SweepConfig.CronSpec; spec != "" {
		if _, err := cronRunner.AddFunc(spec, func() {
			h.Enqueue("sweepStaleMembers", h.sweepStaleMembers)
		}); err != nil {
			globals.AppLogger.Error("could not schedule member sweep", "error", err)
		}
	}
	defer cronRunner.Stop()
	cronRunner.Start()
	for {
		select {
		case client := <-h.Register:
			globals.AppLogger.Debug("register new client")
			h.Lock()
			h.clients[client] = struct{}{}
			h.Unlock()
			h.metrics.ConnectionOpened()
			// the handler Add(1)s before registering and Wait()s, so it
			// only proceeds once the client is visible to broadcasts
			client.Done()

		case client := <-h.Unregister:
			h.RLock()
			_, ok := h.clients[client]
			h.RUnlock()
			if !ok {
				continue
			}
			globals.AppLogger.Debug("unregister client")
			// departure is a room mutation; it runs here, in the same
			// goroutine as the ordering queue, so it cannot interleave
			// with queued tasks
			h.removeFromRoom(client)
			h.Lock()
			delete(h.clients, client)
			client.conn.Close()
			// wait for all loops and write operations to be finished,
			// then it is safe to close the send channel
			client.Wait()
			close(client.Send)
			h.Unlock()
			h.metrics.ConnectionClosed()

		case task, ok := <-h.tasks:
			if !ok {
				return
			}
			task()
		}
	}
}

// broadcastRoom sends one wire event to every client currently joined to the
// room on this process, except skip.
func (h *Hub) broadcastRoom(roomID, event string, payload interface{}, skip *Client) {
	data, err := types.NewWireMessage(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal wire message", "event", event, "error", err)
		return
	}
	var wg sync.WaitGroup
	h.RLock()
	n := 0
	for client := range h.rooms[roomID] {
		if client == skip {
			continue
		}
		n++
		wg.Add(1)
		client.Add(1)
		go func(c *Client) {
			defer wg.Done()
			defer c.Done()
			c.Send <- data
		}(client)
	}
	wg.Wait()
	h.RUnlock()
	h.metrics.RecordFanOut(n)
}

// sendTo delivers one wire event to a single client if it is still
// registered.
func (h *Hub) sendTo(c *Client, event string, payload interface{}) {
	data, err := types.NewWireMessage(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal wire message", "event", event, "error", err)
		return
	}
	h.RLock()
	if _, ok := h.clients[c]; ok {
		c.Add(1)
		go func() {
			defer c.Done()
			c.Send <- data
		}()
	}
	h.RUnlock()
}

func (h *Hub) roomClientCount(roomID string) int {
	h.RLock()
	defer h.RUnlock()
	return len(h.rooms[roomID])
}

// joinRoom registers the connection's membership: a fresh member record via
// the merge-and-write path, room bookkeeping, and the reply set (identity,
// room status, member list, message backlog). Runs on the ordering queue.
func (h *Hub) joinRoom(c *Client, userName string) error {
	h.RLock()
	alreadyJoined := c.member != nil
	h.RUnlock()
	if alreadyJoined {
		globals.AppLogger.Warn("join from already-joined connection, ignored")
		return nil
	}
	connectPassword := c.claims.ConnectPassword
	roomID := keys.RoomID(connectPassword)

	// no live connection for this room means any stored members are
	// leftovers from before a restart
	purge := h.roomClientCount(roomID) == 0

	merged, member, err := h.svc.Join(context.Background(), connectPassword, userName, c.token, purge)
	if err != nil {
		return err
	}
	h.metrics.RecordJoin()
	h.metrics.RecordMerge()

	h.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	h.roomPasswords[roomID] = connectPassword
	h.localView[roomID] = merged
	c.member = member
	c.roomID = roomID
	h.Unlock()

	h.sendTo(c, types.WireEventCurrentUser, member)
	h.sendTo(c, types.WireEventRoomStatus, types.RoomStatusPayload{
		RoomId:        roomID,
		EncryptedName: merged.EncryptedName,
		MessageCount:  len(merged.Messages),
		MemberCount:   len(merged.Members),
	})
	h.sendTo(c, types.WireEventRoomUsers, merged.Members)
	h.sendTo(c, types.WireEventMessages, merged.Messages)
	h.broadcastRoom(roomID, types.WireEventUserJoined, member, c)
	return nil
}

// postMessage appends a local message through the merge-and-write path and
// fans it out to the room, the sender included: the sender reconciles its
// optimistic echo by clientId. Runs on the ordering queue.
func (h *Hub) postMessage(c *Client, payload types.MessagePayload) error {
	h.RLock()
	member := c.member
	roomID := c.roomID
	h.RUnlock()
	if member == nil {
		globals.AppLogger.Warn("message from connection without membership, ignored")
		return nil
	}
	connectPassword := c.claims.ConnectPassword
	msg, merged, err := h.svc.AppendMessage(context.Background(), connectPassword, member, payload)
	if err != nil {
		return err
	}
	h.metrics.RecordMessageIn()
	h.metrics.RecordMerge()

	h.Lock()
	h.localView[roomID] = merged
	h.Unlock()

	h.broadcastRoom(roomID, types.WireEventMessage, msg, nil)
	return nil
}

// removeFromRoom handles an explicit leave or a transport-level disconnect:
// the member record is removed and the remaining occupants are notified.
func (h *Hub) removeFromRoom(c *Client) {
	h.Lock()
	member := c.member
	roomID := c.roomID
	c.member = nil
	c.roomID = ""
	if roomID != "" {
		if clients, ok := h.rooms[roomID]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	connectPassword := h.roomPasswords[roomID]
	lastOut := roomID != "" && h.rooms[roomID] == nil
	h.Unlock()
	if member == nil || roomID == "" {
		return
	}

	merged, err := h.svc.RemoveMembers(context.Background(), connectPassword, []string{member.Id})
	if err != nil {
		// best effort on disconnect, the member sweep catches leftovers
		globals.AppLogger.Error("could not remove member", "member", member.Id, "error", err)
	} else {
		h.Lock()
		if !lastOut {
			h.localView[roomID] = merged
		}
		h.Unlock()
		h.broadcastRoom(roomID, types.WireEventLeaveRoom, types.LeaveRoomPayload{MemberIds: []string{member.Id}}, nil)
	}

	if lastOut {
		h.Lock()
		delete(h.roomPasswords, roomID)
		delete(h.localView, roomID)
		h.Unlock()
	}
}

// sweepStaleMembers drops stored members of connected rooms that are not
// backed by a live connection on this instance and have not been touched for
// sweepMaxAge. Members from crashed instances must not linger forever.
func (h *Hub) sweepStaleMembers() error {
	h.RLock()
	passwords := make(map[string]string, len(h.roomPasswords))
	for id, pw := range h.roomPasswords {
		passwords[id] = pw
	}
	live := make(map[string]map[string]struct{}, len(h.rooms))
	for id, clients := range h.rooms {
		ids := make(map[string]struct{}, len(clients))
		for c := range clients {
			if c.member != nil {
				ids[c.member.Id] = struct{}{}
			}
		}
		live[id] = ids
	}
	h.RUnlock()

	cutoff := time.Now().Add(-h.sweepMaxAge)
	for roomID, connectPassword := range passwords {
		_, snapshots, err := h.svc.Fetch(context.Background(), connectPassword)
		if err != nil {
			globals.AppLogger.Error("sweep: could not fetch room", "error", err)
			continue
		}
		local := snapshots[h.svc.LocalIndex()]
		if local == nil {
			continue
		}
		stale := make([]string, 0)
		for _, m := range local.Members {
			if _, ok := live[roomID][m.Id]; ok {
				continue
			}
			if m.UpdatedAt.Before(cutoff) {
				stale = append(stale, m.Id)
			}
		}
		if len(stale) == 0 {
			continue
		}
		merged, err := h.svc.RemoveMembers(context.Background(), connectPassword, stale)
		if err != nil {
			globals.AppLogger.Error("sweep: could not remove stale members", "error", err)
			continue
		}
		h.Lock()
		h.localView[roomID] = merged
		h.Unlock()
		h.broadcastRoom(roomID, types.WireEventUsersUpdated, merged.Members, nil)
	}
	return nil
}

// Drain flushes the ordering queue: everything enqueued before the call has
// run when Drain returns.
func (h *Hub) Drain(ctx context.Context) error {
	done := make(chan struct{})
	h.tasks <- func() { close(done) }
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the queue and then attempts a best-effort bulk removal of
// every member owned by this process. Bounded fan-out, no transaction:
// partial failure is logged and ignored, no client is listening for the
// result.
func (h *Hub) Shutdown(ctx context.Context) {
	if err := h.Drain(ctx); err != nil {
		globals.AppLogger.Warn("queue drain interrupted", "error", err)
	}

	type removal struct {
		connectPassword string
		memberID        string
	}
	h.RLock()
	removals := make([]removal, 0, len(h.clients))
	for c := range h.clients {
		if c.member == nil || c.roomID == "" {
			continue
		}
		removals = append(removals, removal{
			connectPassword: h.roomPasswords[c.roomID],
			memberID:        c.member.Id,
		})
	}
	h.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shutdownConcurrency)
	for _, r := range removals {
		r := r
		g.Go(func() error {
			if _, err := h.svc.RemoveMembers(gctx, r.connectPassword, []string{r.memberID}); err != nil {
				globals.AppLogger.Warn("shutdown member cleanup failed", "member", r.memberID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
