package router

import (
	"errors"

	preludeerrors "github.com/preludemgr/manager-core/internal/errors"
	"github.com/preludemgr/manager-core/internal/wire"
)

// Direction is the traversal direction of an admin message, per
// spec.md §4.4.1.
type Direction int

const (
	Request Direction = iota
	Reply
)

// Verdict is get_msg_target_ident's outcome: the route has reached this
// node (Local) or must continue to another analyzer (Forward).
type Verdict int

const (
	Local Verdict = iota
	Forward
)

// targetIdent implements get_msg_target_ident (spec.md §4.4.1): it advances
// route's HOP by one step in dir and decides whether the new hop lands on
// this node or must be forwarded on. On Forward it rewrites route's HOP
// sub-tag in place via Route.SetHop so a forwarded copy carries the
// advanced index without reallocation.
func targetIdent(route *wire.Route, dir Direction) (verdict Verdict, target uint64, updatedHop uint32, err error) {
	n := route.N()
	var newHop int64
	if dir == Request {
		newHop = int64(route.Hop) + 1
	} else {
		newHop = int64(route.Hop) - 1
	}

	if newHop < 0 {
		return 0, 0, 0, preludeerrors.NewFrameError("router.target_ident", preludeerrors.FrameInvalid,
			errors.New("hop underflow"))
	}

	if dir == Request && newHop == int64(n) {
		return Local, 0, uint32(newHop - 1), nil
	}

	if newHop >= int64(n) {
		return 0, 0, 0, preludeerrors.NewFrameError("router.target_ident", preludeerrors.FrameInvalid,
			errors.New("hop out of bounds"))
	}

	route.SetHop(uint32(newHop))
	return Forward, route.IDs[newHop], uint32(newHop), nil
}
