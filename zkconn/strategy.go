package zkconn

import (
	"context"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// Settings carries the values a strategy needs to establish a session.
type Settings struct {
	Servers        []string
	SessionTimeout time.Duration
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Strategy establishes a session against the service. The returned event
// channel carries the session's connectivity transitions and is closed when
// the session is closed.
type Strategy interface {
	Connect(ctx context.Context, settings Settings) (Session, <-chan zk.Event, error)
}

// DefaultStrategy dials the configured servers with the native protocol
// client. Connecting is asynchronous, the caller waits for connectivity
// through the manager.
type DefaultStrategy struct{}

func (DefaultStrategy) Connect(ctx context.Context, settings Settings) (Session, <-chan zk.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, events, err := zk.Connect(
		settings.Servers,
		settings.SessionTimeout,
		zk.WithLogger(printfLogger{sugar: logger.Sugar().Named("zk-conn")}),
	)
	if err != nil {
		return nil, nil, err
	}
	return conn, events, nil
}

// printfLogger adapts zap to the protocol client's Printf-style logger.
type printfLogger struct {
	sugar *zap.SugaredLogger
}

func (l printfLogger) Printf(format string, args ...any) {
	l.sugar.Debugf(format, args...)
}
