package session

import (
	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/logging"
	"github.com/flowcheck/capture-service/internal/reading"
)

// Context carries what one signed-in capture session needs everywhere:
// the identity snapshot stamped onto confirmed readings and a logger
// scoped to the session. It is built once at sign-in and discarded at
// sign-out; nothing here is package-global.
type Context struct {
	SessionID string
	User      reading.UserInfo
	Logger    *zap.Logger
}

// NewContext scopes the base logger to the session.
func NewContext(sessionID string, user reading.UserInfo, base *zap.Logger) Context {
	return Context{
		SessionID: sessionID,
		User:      user,
		Logger:    logging.WithSession(base, sessionID).With(zap.String("uid", user.UID)),
	}
}
