// Package room owns the relay-side call rooms. Each room is a small
// actor: one goroutine consumes all operations for that room, so no
// mutation of room state is ever concurrent. Durable fields live in the
// storage port and are hydrated before first use, so validity survives
// restarts and actor eviction.
package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/metrics"
	"github.com/wpcall/wpcall/internals/signaling"
	"github.com/wpcall/wpcall/internals/storage"
)

// MaxMembers is the room capacity. The relay serves 1:1 calls only.
const MaxMembers = 2

// Socket is how a room addresses one admitted participant.
type Socket interface {
	Send(data []byte) error
	Close() error
}

// Session is one admitted participant.
type Session struct {
	ID        string
	Initiator bool
	sock      Socket
}

// Status is the answer to a room status query.
type Status struct {
	Valid        bool
	Participants int
}

// JoinResult is what a successful admission returns to the gateway.
type JoinResult struct {
	SessionID    string
	Initiator    bool
	Participants int
}

type Room struct {
	id           string
	store        storage.Store
	storeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the actor goroutine. Never touched from outside run().
	hydrated bool
	rec      *storage.RoomRecord
	members  map[string]*Session
}

func newRoom(id string, store storage.Store, storeTimeout time.Duration, now func() time.Time, logger *zap.Logger) *Room {
	r := &Room{
		id:           id,
		store:        store,
		storeTimeout: storeTimeout,
		logger:       logger.With(zap.String("room_id", id)),
		now:          now,
		ops:          make(chan func()),
		done:         make(chan struct{}),
		members:      make(map[string]*Session),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	for {
		select {
		case fn := <-r.ops:
			fn()
		case <-r.done:
			return
		}
	}
}

// do hands fn to the actor goroutine and waits for it to finish. An op
// that is accepted always runs to completion before eviction takes
// effect.
func (r *Room) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(finished) }:
		<-finished
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Room) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// hydrate loads the durable record before the first op that needs it.
// On store failure the room stays unhydrated so the next op retries,
// and the current op fails with ErrStoreUnavailable. A transient
// outage must never look like an expired room to the caller.
func (r *Room) hydrate() error {
	if r.hydrated {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()

	rec, err := r.store.Load(ctx, r.id)
	if err != nil {
		r.logger.Warn("Room hydrate failed", zap.Error(err))
		return ErrStoreUnavailable
	}
	r.rec = rec
	r.hydrated = true
	return nil
}

func (r *Room) persist() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	return r.store.Save(ctx, r.id, r.rec)
}

// Init (re)arms the room: fresh token, fresh TTL window, not used.
// Calling it again on a live room resets the window.
func (r *Room) Init(token string, expiryMinutes int) error {
	var err error
	doErr := r.do(func() {
		r.rec = &storage.RoomRecord{
			Token:         token,
			ExpiryMinutes: expiryMinutes,
			CreatedAt:     r.now(),
			Used:          false,
		}
		r.hydrated = true
		err = r.persist()
		if err == nil {
			r.logger.Info("Room initialized", zap.Int("expiry_minutes", expiryMinutes))
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// RoomStatus recomputes validity from the durable fields on every call;
// it is never cached.
func (r *Room) RoomStatus() (Status, error) {
	var st Status
	var err error
	doErr := r.do(func() {
		if err = r.hydrate(); err != nil {
			return
		}
		st = Status{
			Valid:        r.rec.Valid(r.now()),
			Participants: len(r.members),
		}
	})
	if doErr != nil {
		return Status{}, doErr
	}
	return st, err
}

// admissible applies the admission checks in protocol order: token,
// then TTL, then capacity. An absent record refuses like an expired one.
func (r *Room) admissible(candidateToken string) error {
	if r.rec == nil {
		return ErrRoomExpired
	}
	if candidateToken != r.rec.Token {
		return ErrTokenMismatch
	}
	if !r.rec.Valid(r.now()) {
		return ErrRoomExpired
	}
	if len(r.members) >= MaxMembers {
		return ErrRoomFull
	}
	return nil
}

// CheckAdmission runs the admission checks without admitting. The
// gateway uses it to reject with a plain HTTP status before upgrading
// the transport; Join revalidates afterwards, so a race between the two
// can never overfill the room.
func (r *Room) CheckAdmission(candidateToken string) error {
	var err error
	doErr := r.do(func() {
		if err = r.hydrate(); err != nil {
			return
		}
		err = r.admissible(candidateToken)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Join admits a participant: fresh session id, role by arrival order,
// room-info to the joiner, peer-joined to the member already present.
func (r *Room) Join(candidateToken string, sock Socket) (JoinResult, error) {
	var res JoinResult
	var err error
	doErr := r.do(func() {
		if err = r.hydrate(); err != nil {
			metrics.RecordJoin(joinOutcome(err))
			return
		}
		if err = r.admissible(candidateToken); err != nil {
			metrics.RecordJoin(joinOutcome(err))
			return
		}

		s := &Session{
			ID:        uuid.New().String(),
			Initiator: len(r.members) == 0,
			sock:      sock,
		}
		r.members[s.ID] = s

		if !r.rec.Used {
			r.rec.Used = true
			if perr := r.persist(); perr != nil {
				// Admission stands; only the used marker is at risk.
				r.logger.Warn("Failed to persist used marker", zap.Error(perr))
			}
		}

		res = JoinResult{
			SessionID:    s.ID,
			Initiator:    s.Initiator,
			Participants: len(r.members),
		}

		r.deliver(s, signaling.NewRoomInfo(s.ID, s.Initiator, len(r.members)))
		if len(r.members) == MaxMembers {
			r.broadcast(signaling.NewPeerJoined(s.ID), s.ID)
		}

		metrics.RecordJoin(metrics.JoinAccepted)
		metrics.ActiveSessions.Inc()
		r.logger.Info("Session joined",
			zap.String("session_id", s.ID),
			zap.Bool("initiator", s.Initiator),
			zap.Int("participants", len(r.members)),
		)
	})
	if doErr != nil {
		return JoinResult{}, doErr
	}
	return res, err
}

// Relay forwards an offer/answer/ice-candidate frame verbatim to every
// member except the sender. Anything else is dropped. The payload is
// never parsed beyond its type tag.
func (r *Room) Relay(senderID string, msgType signaling.MessageType, raw []byte) error {
	return r.do(func() {
		if !signaling.Relayable(msgType) {
			return
		}
		if _, ok := r.members[senderID]; !ok {
			return
		}
		for id, m := range r.members {
			if id == senderID {
				continue
			}
			if err := m.sock.Send(raw); err != nil {
				metrics.RelaySendFailuresTotal.Inc()
				r.logger.Warn("Relay send failed",
					zap.String("to", id),
					zap.Error(err),
				)
			}
		}
		metrics.RecordRelay(string(msgType))
	})
}

// Leave removes a session, closes its transport and tells the survivor.
// Leaving a session that is already gone is a no-op.
func (r *Room) Leave(sessionID string) error {
	return r.do(func() {
		s, ok := r.members[sessionID]
		if !ok {
			return
		}
		delete(r.members, sessionID)
		_ = s.sock.Close()
		metrics.ActiveSessions.Dec()

		r.broadcast(signaling.NewPeerLeft(sessionID), sessionID)
		r.logger.Info("Session left",
			zap.String("session_id", sessionID),
			zap.Int("participants", len(r.members)),
		)
	})
}

// evictable reports whether the sweep may drop this actor: nobody is
// connected and the durable record (if any) no longer admits joins.
func (r *Room) evictable() bool {
	var idle bool
	err := r.do(func() {
		if r.hydrate() != nil {
			return
		}
		idle = len(r.members) == 0 && !r.rec.Valid(r.now())
	})
	return err == nil && idle
}

// deliver marshals and sends one server-constructed message. A failed
// send is logged and swallowed; it never affects the other member.
func (r *Room) deliver(s *Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if err := s.sock.Send(data); err != nil {
		metrics.RelaySendFailuresTotal.Inc()
		r.logger.Warn("Send failed",
			zap.String("to", s.ID),
			zap.Error(err),
		)
	}
}

func (r *Room) broadcast(v any, excludeID string) {
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		r.deliver(m, v)
	}
}

func joinOutcome(err error) string {
	switch err {
	case ErrTokenMismatch:
		return metrics.JoinTokenMismatch
	case ErrRoomExpired:
		return metrics.JoinExpired
	case ErrRoomFull:
		return metrics.JoinFull
	default:
		return "error"
	}
}
