package internal

import (
	"context"
	"fmt"

	"github.com/rs/xid"
	"github.com/rs/zerolog/hlog"
)

type Session struct {
	id xid.ID
}

// GenerateSession creates a new session with a globally unique identifier.
func GenerateSession() Session {
	return Session{id: xid.New()}
}

// SessionFromContext reuses the request id attached by the HTTP middleware so that
// log lines of a request and of its backend process share one identifier. A fresh
// session is generated when the context carries none.
func SessionFromContext(ctx context.Context) Session {
	if id, ok := hlog.IDFromCtx(ctx); ok {
		return Session{id: id}
	}
	return GenerateSession()
}

// String returns the string representation of the session, equivalent to calling ID().
func (s Session) String() string {
	return string(s.ID())
}

// ID returns the session identifier in the format "gitgate-<xid>".
// This is also used as the container name by the docker backend.
func (s Session) ID() SessionID {
	return SessionID(fmt.Sprintf("gitgate-%s", s.id.String()))
}
