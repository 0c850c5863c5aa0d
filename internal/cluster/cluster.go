package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/agleyzer/cuesync/internal/session"
)

const applyTimeout = 5 * time.Second

// Manager manages a Raft cluster replicating the session cursor. It
// implements session.Publisher; snapshots are applied only on the leader.
type Manager struct {
	config    Config
	raft      *raft.Raft
	fsm       *SessionFSM
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool

	queue   chan session.Session
	done    chan struct{}
	dropped atomic.Uint64
}

// NewManager creates a new cluster manager.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config:   config,
		fsm:      NewSessionFSM(logger),
		logger:   logger,
		shutdown: false,
		queue:    make(chan session.Session, config.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

// Start initializes and starts the Raft cluster and the snapshot pump. The
// pump stops when ctx is cancelled or the manager shuts down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}
	if m.shutdown {
		return fmt.Errorf("cluster is shut down")
	}

	// Create Raft configuration
	raftConfig := raft.DefaultConfig()
	// Use bind address as LocalID for consistency with bootstrap configuration
	raftConfig.LocalID = raft.ServerID(m.config.BindAddr)
	raftConfig.HeartbeatTimeout = m.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = m.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	raftConfig.SnapshotInterval = m.config.SnapshotInterval
	raftConfig.SnapshotThreshold = m.config.SnapshotThreshold
	raftConfig.Logger = raftLogger(os.Stderr, m.config.RaftLogLevel)

	// Create in-memory stores
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshotStore := raft.NewInmemSnapshotStore()

	// Create network transport
	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	m.transport = transport

	r, err := raft.NewRaft(raftConfig, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: make([]raft.Server, 0, len(m.config.Peers)),
	}

	for _, peer := range m.config.Peers {
		// Use peer address as both ID and address for simplicity
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		m.logger.Error("failed to bootstrap cluster", "error", err)
		// Continue anyway - node might be joining existing cluster
	}

	go m.pump(ctx)

	m.logger.Info("cluster started",
		"node_id", m.config.RaftID,
		"raft_id", m.config.BindAddr,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))

	return nil
}

// Publish queues a session snapshot for replication. It never blocks:
// snapshots are dropped when the queue is full or the cluster is down.
func (m *Manager) Publish(s session.Session) {
	m.mu.RLock()
	down := m.shutdown
	m.mu.RUnlock()

	if down || s.ID == uuid.Nil {
		return
	}

	select {
	case m.queue <- s:
	default:
		m.dropped.Add(1)
		m.logger.Debug("dropped session snapshot", "session", s.ID.String())
	}
}

// Dropped returns the number of snapshots dropped because the queue was full.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Manager) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case s := <-m.queue:
			if !m.IsLeader() {
				continue
			}
			if err := m.replicate(s); err != nil {
				m.logger.Warn("failed to replicate session", "session", s.ID.String(), "error", err)
			}
		}
	}
}

// replicate applies s, starting a new session first when s belongs to a
// different one than the replicated cursor.
func (m *Manager) replicate(s session.Session) error {
	id := s.ID.String()
	if m.fsm.GetState().SessionID != id {
		if err := m.ChangeSource(id, s.Source, s.Segments); err != nil {
			return err
		}
	}

	cursor := UpdateCursorCommand{
		SessionID:      id,
		ActiveSegment:  s.ActiveSegment,
		PlayingSegment: s.Segment.Index,
		SegmentPaused:  s.Segment.Paused,
		Position:       s.CurrentTime,
	}
	return m.UpdateCursor(cursor)
}

// Initialize sets the FSM state.
func (m *Manager) Initialize(state CursorState) error {
	return m.apply(Command{
		Type: CommandInitialize,
		Data: InitializeCommand{State: state},
	})
}

// ChangeSource starts a new replicated session.
func (m *Manager) ChangeSource(sessionID, source string, segmentCount int) error {
	return m.apply(Command{
		Type: CommandChangeSource,
		Data: ChangeSourceCommand{SessionID: sessionID, Source: source, SegmentCount: segmentCount},
	})
}

// UpdateCursor moves the replicated cursor of the current session.
func (m *Manager) UpdateCursor(cmd UpdateCursorCommand) error {
	return m.apply(Command{
		Type: CommandUpdateCursor,
		Data: cmd,
	})
}

// apply submits cmd to the Raft cluster and returns the FSM's error, if any.
func (m *Manager) apply(cmd Command) error {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return fmt.Errorf("cluster is shut down")
	}
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return fmt.Errorf("cluster not started")
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := r.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("apply command: %w", err)
	}

	return nil
}

// GetState returns the current FSM state.
func (m *Manager) GetState() CursorState {
	return m.fsm.GetState()
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return false
	}

	return r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ""
	}

	leaderAddr, _ := r.LeaderWithID()
	return string(leaderAddr)
}

// State returns the current Raft state.
func (m *Manager) State() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return "NotStarted"
	}

	switch r.State() {
	case raft.Follower:
		return "Follower"
	case raft.Candidate:
		return "Candidate"
	case raft.Leader:
		return "Leader"
	case raft.Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Peers returns the list of peer addresses.
func (m *Manager) Peers() []string {
	return m.config.Peers
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown gracefully shuts down the Raft cluster.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}

	m.shutdown = true
	close(m.done)

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}

	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down")
	return nil
}

// WaitForLeader blocks until a leader is elected or context is canceled.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
