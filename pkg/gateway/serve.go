package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/protocol"
	"github.com/harun/tandem/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ServeConn runs one connection until the peer goes away or ctx is done.
//
// The first accepted frame binds the connection: a reconnect frame resumes
// the session its token names, anything else starts a fresh session and is
// then dispatched to it. The client receives session-ready before any frame
// from the session's stream.
func (s *Server) ServeConn(ctx context.Context, conn Conn, remoteAddr string) {
	s.connWG.Add(1)
	defer s.connWG.Done()

	clientID, _ := gonanoid.New()
	ctx = tracing.WithConnID(ctx, clientID)
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)

	now := time.Now()
	s.clients.Add(&Client{
		ID:           clientID,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActivity: now,
		Conn:         conn,
	})
	logger.Info().Str("ip", remoteAddr).Msg("Client connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		s.clients.Remove(clientID)
		logger.Info().Msg("Client disconnected")
	}()

	limiter := NewFrameLimiter(s.cfg.RateLimit, s.cfg.RateBurst)

	sess, pending, err := s.bind(ctx, conn, limiter, logger)
	if err != nil {
		if !errors.Is(err, protocol.ErrConnectionClosed) {
			logger.Warn().Err(err).Msg("Failed to bind connection to a session")
		}
		return
	}
	defer sess.Detach(conn)

	s.clients.Bind(clientID, sess.ID())
	ctx = tracing.WithSessionID(ctx, sess.ID())
	logger = tracing.LoggerFromContext(ctx, s.logger)

	if pending != nil && !s.dispatch(ctx, sess, *pending, logger) {
		return
	}

	for {
		evt, err := conn.Receive(ctx)
		if err != nil {
			if isInvalidFrame(err) {
				observability.RecordGatewayRejected(string(protocol.CodeInvalidFrame))
				sess.ReportError(protocol.CodeInvalidFrame, err.Error())
				continue
			}
			logger.Debug().Err(err).Msg("Read loop ended")
			return
		}
		s.clients.UpdateActivity(clientID)

		if !limiter.Allow() {
			observability.RecordGatewayRejected(string(protocol.CodeRateLimited))
			sess.ReportError(protocol.CodeRateLimited, "too many frames")
			continue
		}
		if !s.dispatch(ctx, sess, evt, logger) {
			return
		}
	}
}

// bind reads frames until one can bind the connection to a session. Frames
// rejected before binding are answered directly on conn.
func (s *Server) bind(ctx context.Context, conn Conn, limiter *FrameLimiter, logger zerolog.Logger) (*session.Session, *protocol.Inbound, error) {
	for {
		evt, err := conn.Receive(ctx)
		if err != nil {
			if isInvalidFrame(err) {
				if err := s.reject(ctx, conn, protocol.CodeInvalidFrame, err.Error()); err != nil {
					return nil, nil, err
				}
				continue
			}
			return nil, nil, err
		}
		if !limiter.Allow() {
			if err := s.reject(ctx, conn, protocol.CodeRateLimited, "too many frames"); err != nil {
				return nil, nil, err
			}
			continue
		}

		var (
			token   string
			pending *protocol.Inbound
		)
		if evt.Type == protocol.InboundReconnect {
			token = evt.SessionToken
		} else {
			pending = &evt
		}

		sess, resumed, err := s.registry.GetOrCreate(ctx, token)
		if err != nil {
			_ = s.reject(ctx, conn, protocol.CodeInternal, "session unavailable")
			return nil, nil, err
		}

		if token != "" && !resumed {
			if err := s.reject(ctx, conn, protocol.CodeSessionExpired, "session expired, a new session was started"); err != nil {
				sess.Release()
				return nil, nil, err
			}
		}
		if err := conn.Send(ctx, protocol.SessionReady(sess.ID(), sess.Token(), resumed)); err != nil {
			sess.Release()
			return nil, nil, err
		}
		if err := sess.Attach(conn); err != nil {
			_ = s.reject(ctx, conn, protocol.CodeSessionExpired, "session is closed")
			return nil, nil, err
		}

		logger.Info().
			Str("session_id", sess.ID()).
			Bool("resumed", resumed).
			Msg("Connection bound to session")
		return sess, pending, nil
	}
}

// dispatch hands evt to the session. It reports false when the connection
// should be dropped.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, evt protocol.Inbound, logger zerolog.Logger) bool {
	err := sess.Dispatch(ctx, evt)
	switch {
	case err == nil:
		return true
	case errors.Is(err, session.ErrSessionClosed):
		logger.Info().Msg("Session closed, dropping connection")
		return false
	default:
		// The session already reported it to the client.
		var pe *protocol.Error
		if errors.As(err, &pe) {
			observability.RecordGatewayRejected(string(pe.Code))
		}
		logger.Debug().Err(err).Str("type", string(evt.Type)).Msg("Frame rejected")
		return true
	}
}

func (s *Server) reject(ctx context.Context, conn Conn, code protocol.Code, message string) error {
	observability.RecordGatewayRejected(string(code))
	return conn.Send(ctx, protocol.ErrorFrame(code, message))
}

func isInvalidFrame(err error) bool {
	var pe *protocol.Error
	return errors.As(err, &pe) && pe.Code == protocol.CodeInvalidFrame
}
