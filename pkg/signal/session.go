package signal

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/worker"
)

// Session is one client's websocket from the server's point of view. Reads
// happen on the session's own loop, strictly one request at a time, which is
// what gives clients per-session FIFO semantics. Writes split in two: request
// acknowledgements are written inline by the handling loop and never dropped,
// pushes go through a bounded writer so that one stuck client cannot stall a
// broadcast for everyone else.
type Session struct {
	id     string
	conn   *websocket.Conn
	logger *logrus.Entry

	// pushes delivers broadcast frames. Its idle timeout doubles as the
	// keepalive tick: a session that has not been written to for a ping
	// interval gets pinged.
	pushes *worker.Worker[[]byte]

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	closeReason string

	// onDropped counts pushes rejected by a full queue.
	onDropped func()
}

func newSession(id string, conn *websocket.Conn, config Config, logger *logrus.Entry, onDropped func()) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:        id,
		conn:      conn,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		onDropped: onDropped,
	}

	s.pushes = worker.StartWorker(worker.Config[[]byte]{
		ChannelSize: config.WriteQueueSize,
		Timeout:     config.PingInterval,
		OnTimeout:   func() { s.ping(config.PingTimeout) },
		OnTask:      func(frame []byte) { s.writeFrame(frame, config.PingTimeout) },
	})

	return s
}

func (s *Session) ID() string { return s.id }

// Push enqueues a broadcast frame. Never blocks; a full queue drops the
// frame and counts the drop. Broadcasts are one-shot, there is no retry.
func (s *Session) Push(frame []byte) {
	if err := s.pushes.Send(frame); err != nil {
		if s.onDropped != nil {
			s.onDropped()
		}
		s.logger.WithError(err).Debug("dropped push frame")
	}
}

// WriteAck writes a request acknowledgement. Called only from the session's
// handling loop; a failed write means the connection is done for.
func (s *Session) WriteAck(frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Session) writeFrame(frame []byte, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		s.logger.WithError(err).Debug("push write failed, closing session")
		s.Close(websocket.StatusAbnormalClosure, "write failed")
	}
}

// ping probes the peer. No pong within the timeout closes the session; the
// read loop then unblocks and runs the normal disconnect path.
func (s *Session) ping(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	if err := s.conn.Ping(ctx); err != nil {
		s.logger.WithError(err).Info("keepalive ping failed, closing session")
		s.Close(websocket.StatusAbnormalClosure, "ping timeout")
	}
}

// Close shuts the websocket down with the given status. Idempotent; only the
// first reason sticks. Cleanup itself happens on the read loop, which
// unblocks as a consequence.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		s.cancel()
		s.pushes.Stop()
		_ = s.conn.Close(code, reason)
	})
}
