package datasource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
	"github.com/ekaya-inc/ekaya-etl/pkg/retry"
)

const (
	DefaultConnectionTTLMinutes  = 5
	DefaultCleanupInterval       = 1 * time.Minute
	DefaultMaxConnectionsPerType = 10
)

// ConnectionManagerConfig holds configuration for the connection manager
type ConnectionManagerConfig struct {
	TTLMinutes            int
	MaxConnectionsPerType int
	// CleanupInterval overrides DefaultCleanupInterval; tests set it low.
	CleanupInterval time.Duration
}

// OpenFunc opens a new pool for a key that has none.
type OpenFunc func(ctx context.Context) (PoolConnector, error)

// ConnectionManager keeps relational pools alive across refreshes of the same
// source, keyed by driver type and a digest of the DSN, with TTL-based cleanup.
type ConnectionManager struct {
	mu                    sync.RWMutex
	connections           map[string]*ManagedConnection // key: "{type}:{dsnDigest}"
	ttl                   time.Duration
	maxConnectionsPerType int
	stopped               bool
	stopChan              chan struct{}
	logger                *zap.Logger
}

// ManagedConnection is a pooled connection with its last use time.
type ManagedConnection struct {
	conn     PoolConnector
	lastUsed time.Time
	mu       sync.Mutex
}

// NewConnectionManager creates a connection manager with the given configuration.
// Starts a background cleanup goroutine that runs until Close() is called.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultConnectionTTLMinutes
	}
	if cfg.MaxConnectionsPerType <= 0 {
		cfg.MaxConnectionsPerType = DefaultMaxConnectionsPerType
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	manager := &ConnectionManager{
		connections:           make(map[string]*ManagedConnection),
		ttl:                   time.Duration(cfg.TTLMinutes) * time.Minute,
		maxConnectionsPerType: cfg.MaxConnectionsPerType,
		stopChan:              make(chan struct{}),
		logger:                logger.Named("connection-manager"),
	}

	go manager.cleanupExpiredConnections(cfg.CleanupInterval)
	return manager
}

// ConnectionKey builds the pool key for a DSN. The DSN itself never appears
// in the key, which is logged.
func ConnectionKey(dbType, dsn string) string {
	sum := sha256.Sum256([]byte(dsn))
	return dbType + ":" + hex.EncodeToString(sum[:8])
}

func keyType(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// countConnectionsForType counts pools held for a driver type.
// Caller must hold m.mu lock.
func (m *ConnectionManager) countConnectionsForType(dbType string) int {
	count := 0
	for key := range m.connections {
		if keyType(key) == dbType {
			count++
		}
	}
	return count
}

// GetOrCreate returns the pool for key, health-checking a cached pool and
// replacing it when the ping fails. open is only called when no healthy pool exists.
func (m *ConnectionManager) GetOrCreate(ctx context.Context, key string, open OpenFunc) (PoolConnector, error) {
	m.mu.RLock()
	managed, exists := m.connections[key]
	stopped := m.stopped
	m.mu.RUnlock()

	if stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}

	if exists {
		managed.mu.Lock()

		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		healthCfg := &retry.Config{MaxRetries: 2, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
		err := retry.Do(healthCtx, healthCfg, func() error {
			return managed.conn.Ping(healthCtx)
		})

		if err != nil {
			m.logger.Warn("connection unhealthy, recreating",
				zap.String("key", key),
				zap.String("error", logging.SanitizeError(err)),
			)
			managed.mu.Unlock()
			m.removeConnection(key)
			return m.createNew(ctx, key, open)
		}

		managed.lastUsed = time.Now()
		managed.mu.Unlock()
		return managed.conn, nil
	}

	return m.createNew(ctx, key, open)
}

// createNew opens and stores a new pool.
// Caller must NOT hold any locks (this method acquires write lock).
func (m *ConnectionManager) createNew(ctx context.Context, key string, open OpenFunc) (PoolConnector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock (another goroutine may have created it)
	if managed, exists := m.connections[key]; exists && managed != nil {
		managed.mu.Lock()
		defer managed.mu.Unlock()
		managed.lastUsed = time.Now()
		return managed.conn, nil
	}

	dbType := keyType(key)
	typeCount := m.countConnectionsForType(dbType)
	if typeCount >= m.maxConnectionsPerType {
		m.logger.Warn("driver reached max pools limit",
			zap.String("type", dbType),
			zap.Int("current", typeCount),
			zap.Int("max", m.maxConnectionsPerType),
		)
		return nil, fmt.Errorf("%s has reached maximum pooled connections (%d)", dbType, m.maxConnectionsPerType)
	}

	conn, err := open(ctx)
	if err != nil {
		m.logger.Error("failed to open pool",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, err
	}

	m.connections[key] = &ManagedConnection{
		conn:     conn,
		lastUsed: time.Now(),
	}

	m.logger.Info("created new connection pool",
		zap.String("key", key),
		zap.Int("typeTotalConnections", typeCount+1),
	)

	return conn, nil
}

// Remove closes and forgets the pool for key, if any.
func (m *ConnectionManager) Remove(key string) {
	m.removeConnection(key)
}

// removeConnection removes a connection from the pool and closes it.
// Caller must NOT hold m.mu lock (this method acquires write lock).
func (m *ConnectionManager) removeConnection(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if managed, exists := m.connections[key]; exists && managed != nil {
		if managed.conn != nil {
			_ = managed.conn.Close()
		}
		delete(m.connections, key)
		m.logger.Debug("removed connection", zap.String("key", key))
	}
}

func (m *ConnectionManager) cleanupExpiredConnections(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup removes connections that haven't been used within TTL.
// Lock ordering: manager lock, then connection lock.
func (m *ConnectionManager) performCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	now := time.Now()
	expiredKeys := []string{}

	for key, managed := range m.connections {
		if managed == nil {
			continue
		}
		managed.mu.Lock()
		idleTime := now.Sub(managed.lastUsed)
		managed.mu.Unlock()

		if idleTime > m.ttl {
			expiredKeys = append(expiredKeys, key)
			m.logger.Debug("marking connection for cleanup",
				zap.String("key", key),
				zap.Duration("idleTime", idleTime),
				zap.Duration("ttl", m.ttl),
			)
		}
	}

	for _, key := range expiredKeys {
		if managed, exists := m.connections[key]; exists && managed != nil {
			if managed.conn != nil {
				_ = managed.conn.Close()
			}
			delete(m.connections, key)
		}
	}

	if len(expiredKeys) > 0 {
		m.logger.Info("cleaned up expired connections",
			zap.Int("count", len(expiredKeys)),
			zap.Int("remaining", len(m.connections)),
		)
	}
}

// Close closes all connections in the manager and stops the cleanup goroutine.
// This method is idempotent and safe to call multiple times.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}

	m.stopped = true
	close(m.stopChan)

	for _, managed := range m.connections {
		if managed != nil && managed.conn != nil {
			_ = managed.conn.Close()
		}
	}

	m.connections = make(map[string]*ManagedConnection)
	m.logger.Info("connection manager closed")
	return nil
}

// GetStats returns statistics about the connection manager.
// Safe to call concurrently.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := ConnectionStats{
		TotalConnections:      len(m.connections),
		MaxConnectionsPerType: m.maxConnectionsPerType,
		TTLMinutes:            int(m.ttl.Minutes()),
		ConnectionsByType:     make(map[string]int),
	}

	for key, managed := range m.connections {
		stats.ConnectionsByType[keyType(key)]++

		if managed != nil {
			managed.mu.Lock()
			idleSeconds := int(now.Sub(managed.lastUsed).Seconds())
			managed.mu.Unlock()
			if idleSeconds > stats.OldestIdleSeconds {
				stats.OldestIdleSeconds = idleSeconds
			}
		}
	}

	return stats
}

// ConnectionStats contains statistics about the connection manager state.
type ConnectionStats struct {
	TotalConnections      int            `json:"total_connections"`
	MaxConnectionsPerType int            `json:"max_connections_per_type"`
	TTLMinutes            int            `json:"ttl_minutes"`
	ConnectionsByType     map[string]int `json:"connections_by_type"`
	OldestIdleSeconds     int            `json:"oldest_idle_seconds"`
}
