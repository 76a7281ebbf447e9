package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultPacketSessionTimeout = time.Minute

type packetSession[A any] struct {
	Key      string
	Address  A
	Channels *SingleClientTransportChannels

	mut_lastSeen sync.Mutex
	lastSeen     time.Time
}

func (s *packetSession[A]) touch(now time.Time) {
	s.mut_lastSeen.Lock()
	defer s.mut_lastSeen.Unlock()
	s.lastSeen = now
}

func (s *packetSession[A]) idleSince(now time.Time) time.Duration {
	s.mut_lastSeen.Lock()
	defer s.mut_lastSeen.Unlock()
	return now.Sub(s.lastSeen)
}

// packetSessions maps peers of a connectionless transport (UDP, NATS) onto
// router sessions. A peer is known by the address it sends from; its session
// ends on a goodbye frame or after going quiet for timeout.
type packetSessions[A any] struct {
	router  *ClientConnectionRouter
	timeout time.Duration

	// Checks the first packet from an unknown peer; stray traffic never opens a session
	validate func(packet []byte) error
	write    func(addr A, packet []byte) error

	mut_sessions sync.RWMutex
	sessions     map[string]*packetSession[A]

	writers sync.WaitGroup

	log *zap.Logger
}

func createPacketSessions[A any](router *ClientConnectionRouter, timeout time.Duration, validate func([]byte) error, write func(A, []byte) error, log *zap.Logger) *packetSessions[A] {
	if timeout <= 0 {
		timeout = DefaultPacketSessionTimeout
	}

	return &packetSessions[A]{
		router:       router,
		timeout:      timeout,
		validate:     validate,
		write:        write,
		mut_sessions: sync.RWMutex{},
		sessions:     make(map[string]*packetSession[A]),
		log:          log,
	}
}

func (p *packetSessions[A]) has(key string) bool {
	p.mut_sessions.RLock()
	defer p.mut_sessions.RUnlock()
	_, has := p.sessions[key]
	return has
}

// Deliver hands one packet from a peer to its session, opening the session
// first if the peer is new.
func (p *packetSessions[A]) Deliver(ctx context.Context, key string, addr A, packet []byte) {
	if !p.has(key) {
		if err := p.validate(packet); err != nil {
			p.log.Debug("Dropping packet from unknown peer", zap.String("peer", key), zap.Error(err))
			return
		}
	}

	session, err := p.getOrOpen(ctx, key, addr)
	if err != nil {
		p.log.Warn("Failed to open session for peer", zap.String("peer", key), zap.Error(err))
		return
	}
	session.touch(time.Now())

	select {
	case session.Channels.IncomingMessages <- packet:
	default:
		p.log.Warn("Incoming queue full, dropping packet", zap.String("transportId", session.Channels.TransportId))
	}
}

func (p *packetSessions[A]) getOrOpen(ctx context.Context, key string, addr A) (*packetSession[A], error) {
	p.mut_sessions.Lock()
	defer p.mut_sessions.Unlock()

	if session, has := p.sessions[key]; has {
		return session, nil
	}

	channels, err := p.router.OpenConnection(ctx, key)
	if err != nil {
		return nil, err
	}

	session := &packetSession[A]{
		Key:      key,
		Address:  addr,
		Channels: channels,
		lastSeen: time.Now(),
	}
	p.sessions[key] = session

	p.writers.Add(1)
	go p.writeLoop(session)
	return session, nil
}

func (p *packetSessions[A]) writeLoop(session *packetSession[A]) {
	defer p.writers.Done()
	log := p.log.With(zap.String("transportId", session.Channels.TransportId), zap.String("peer", session.Key))

	defer func() {
		p.mut_sessions.Lock()
		defer p.mut_sessions.Unlock()
		if p.sessions[session.Key] == session {
			delete(p.sessions, session.Key)
		}
	}()

	write := func(packet []byte) {
		if err := p.write(session.Address, packet); err != nil {
			log.Warn("Failed to write packet", zap.Error(err))
		}
	}

	for {
		select {
		case packet := <-session.Channels.OutgoingMessages:
			write(packet)
		case <-session.Channels.Done:
		flush:
			for {
				select {
				case packet := <-session.Channels.OutgoingMessages:
					write(packet)
				default:
					break flush
				}
			}
			log.Debug("Packet session ended")
			return
		}
	}
}

// SweepLoop closes idle sessions until ctx is done.
func (p *packetSessions[A]) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.closeIdle(now)
		}
	}
}

func (p *packetSessions[A]) closeIdle(now time.Time) {
	p.mut_sessions.RLock()
	defer p.mut_sessions.RUnlock()

	for _, session := range p.sessions {
		if session.idleSince(now) < p.timeout {
			continue
		}

		p.log.Info("Closing idle session", zap.String("transportId", session.Channels.TransportId))
		select {
		case session.Channels.ClientInitiatedClose <- true:
		default:
		}
	}
}

// Wait blocks until every session writer has drained. Call it once no more
// packets can arrive.
func (p *packetSessions[A]) Wait() {
	p.writers.Wait()
}

func (p *packetSessions[A]) Count() int {
	p.mut_sessions.RLock()
	defer p.mut_sessions.RUnlock()
	return len(p.sessions)
}
