package room

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/metrics"
	"github.com/wpcall/wpcall/internals/storage"
)

// Options tunes the registry. Zero values get sensible defaults; Now is
// injectable so tests can drive the TTL clock.
type Options struct {
	StoreTimeout  time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Registry resolves room ids to their actor instances. The mapping is
// deterministic: the same id always lands on the same resident actor.
// There is no routing table in the database and no shared lock across
// rooms.
//
// Expired empty actors are evicted on a sweep; their durable records
// stay behind in storage, so an expired room keeps refusing joins even
// after eviction.
type Registry struct {
	store  storage.Store
	logger *zap.Logger
	opts   Options

	mu    sync.Mutex
	rooms map[string]*Room

	done      chan struct{}
	closeOnce sync.Once
}

func NewRegistry(store storage.Store, logger *zap.Logger, opts Options) *Registry {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	g := &Registry{
		store:  store,
		logger: logger,
		opts:   opts,
		rooms:  make(map[string]*Room),
		done:   make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go g.sweepLoop()
	}

	return g
}

// Get returns the resident actor for a room id, constructing one (to be
// hydrated from storage on first touch) if none is resident.
func (g *Registry) Get(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.rooms[roomID]; ok && !r.closed() {
		return r
	}

	r := newRoom(roomID, g.store, g.opts.StoreTimeout, g.opts.Now, g.logger)
	g.rooms[roomID] = r
	metrics.ActiveRooms.Set(float64(len(g.rooms)))
	return r
}

// withRoom runs fn against the room's actor, retrying once if the op
// raced with eviction. State is durable, so the fresh actor rehydrates
// and the retry observes the same room.
func (g *Registry) withRoom(roomID string, fn func(*Room) error) error {
	err := fn(g.Get(roomID))
	if errors.Is(err, ErrRoomClosed) {
		err = fn(g.Get(roomID))
	}
	return err
}

func (g *Registry) InitRoom(roomID, token string, expiryMinutes int) error {
	err := g.withRoom(roomID, func(r *Room) error {
		return r.Init(token, expiryMinutes)
	})
	if err == nil {
		metrics.RoomsCreatedTotal.Inc()
	}
	return err
}

func (g *Registry) RoomStatus(roomID string) (Status, error) {
	var st Status
	err := g.withRoom(roomID, func(r *Room) error {
		var err error
		st, err = r.RoomStatus()
		return err
	})
	return st, err
}

func (g *Registry) CheckAdmission(roomID, token string) error {
	var admission error
	err := g.withRoom(roomID, func(r *Room) error {
		admission = r.CheckAdmission(token)
		if errors.Is(admission, ErrRoomClosed) {
			return admission
		}
		return nil
	})
	if err != nil {
		return err
	}
	return admission
}

func (g *Registry) Join(roomID, token string, sock Socket) (JoinResult, error) {
	var res JoinResult
	var admission error
	err := g.withRoom(roomID, func(r *Room) error {
		res, admission = r.Join(token, sock)
		if errors.Is(admission, ErrRoomClosed) {
			return admission
		}
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	return res, admission
}

func (g *Registry) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.mu.Lock()
		for _, r := range g.rooms {
			r.close()
		}
		g.rooms = make(map[string]*Room)
		metrics.ActiveRooms.Set(0)
		g.mu.Unlock()
	})
}

func (g *Registry) sweepLoop() {
	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Sweep evicts actors whose rooms are empty and no longer admit joins.
func (g *Registry) Sweep() {
	g.mu.Lock()
	candidates := make(map[string]*Room, len(g.rooms))
	for id, r := range g.rooms {
		candidates[id] = r
	}
	g.mu.Unlock()

	for id, r := range candidates {
		if !r.evictable() {
			continue
		}
		r.close()

		g.mu.Lock()
		if g.rooms[id] == r {
			delete(g.rooms, id)
		}
		metrics.ActiveRooms.Set(float64(len(g.rooms)))
		g.mu.Unlock()

		metrics.RoomsEvictedTotal.Inc()
		g.logger.Debug("Evicted idle room", zap.String("room_id", id))
	}
}
