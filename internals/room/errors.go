package room

import (
	"errors"
	"net/http"
)

var (
	// ErrTokenMismatch rejects a join whose token does not match the
	// room's. Terminal, never retried.
	ErrTokenMismatch = errors.New("room: token mismatch")

	// ErrRoomExpired rejects a join after the room's TTL has elapsed,
	// or when no room record exists at all.
	ErrRoomExpired = errors.New("room: expired")

	// ErrRoomFull rejects a third join. Capacity is fixed at two.
	ErrRoomFull = errors.New("room: full")

	// ErrRoomClosed is returned when an operation races with eviction
	// of the room actor. Callers resolve a fresh actor and retry once;
	// room state is durable so nothing is lost.
	ErrRoomClosed = errors.New("room: closed")

	// ErrStoreUnavailable means the durable store could not be read, so
	// the room's validity is unknown. Distinct from ErrRoomExpired: the
	// caller should retry, not give the room up for gone.
	ErrStoreUnavailable = errors.New("room: store unavailable")
)

// HTTPStatus maps admission errors onto the protocol's status codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrTokenMismatch):
		return http.StatusForbidden
	case errors.Is(err, ErrRoomExpired):
		return http.StatusGone
	case errors.Is(err, ErrRoomFull):
		return http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
