// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaterializationHandler projects synced entity rows into business tables
type MaterializationHandler interface {
	// ApplyUpsert materializes a create or update.
	// Must be idempotent - safe to call multiple times for the same (entity, entityID, version)
	ApplyUpsert(ctx context.Context, tx pgx.Tx, entity, entityID string, payload []byte) error

	// ApplyDelete materializes a delete.
	// Must be idempotent - safe to call multiple times for the same (entity, entityID)
	ApplyDelete(ctx context.Context, tx pgx.Tx, entity, entityID string) error
}

// Reference declares that a payload field holds the id of a parent entity.
// A create or update whose parent is not on the server yet is rejected with fk_missing.
type Reference struct {
	Field  string // Payload field holding the parent id (e.g. "saleId")
	Entity string // Parent entity name (e.g. "sale")
}

// RegisteredEntity represents an entity type accepted by the gateway
type RegisteredEntity struct {
	Name         string                 `json:"name"`          // Logical entity name (e.g. "product")
	Tier         int                    `json:"tier"`          // Dependency tier; lower tiers are pulled first
	BranchScoped bool                   `json:"branch_scoped"` // Rows carry a branch id and are pulled only by that branch
	References   []Reference            `json:"references"`
	Handler      MaterializationHandler `json:"-"` // Optional handler for materializing changes to business tables
}

// PresenceTracker records device liveness for the active-devices metric
type PresenceTracker interface {
	Touch(ctx context.Context, deviceID, branchID string, at time.Time) error
	ActiveDevices(ctx context.Context, since time.Time) (int, error)
}

// PushLocker serializes pushes from the same device across gateway replicas
type PushLocker interface {
	LockDevice(ctx context.Context, deviceID string) (unlock func(), err error)
}

// Identity is the authenticated caller of a gateway operation
type Identity struct {
	UserID   string
	DeviceID string
	BranchID string
}

// SyncService provides the server side of terminal synchronization
type SyncService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	validate *validator.Validate
	entities map[string]RegisteredEntity

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName            string             // Application name for connection tracking
	RegisteredEntities []RegisteredEntity // Entity types accepted by push and served by pull (required)

	MaxPushBatchSize  int           // Maximum number of items in a single push (0 = unlimited)
	MaxPayloadBytes   int           // Maximum JSON payload size per item in bytes (0 = unlimited)
	MaxPullRows       int           // Maximum rows per pull page (default 1000)
	ConflictTolerance time.Duration // Timestamp differences at or below this are not conflicts
	HeartbeatInterval time.Duration // Expected terminal heartbeat cadence, used for online/stale detection
	TxRetryAttempts   int           // Retries for serialization/deadlock failures (default 3)

	Presence PresenceTracker // Optional; heartbeats table is used when nil
	Locker   PushLocker      // Optional; per-device push serialization across replicas

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultServiceConfig returns a configuration with production defaults for the given entities
func DefaultServiceConfig(appName string, entities []RegisteredEntity) *ServiceConfig {
	return &ServiceConfig{
		AppName:            appName,
		RegisteredEntities: entities,
		MaxPushBatchSize:   500,
		MaxPayloadBytes:    256 * 1024,
		MaxPullRows:        1000,
		ConflictTolerance:  time.Second,
		HeartbeatInterval:  time.Minute,
		TxRetryAttempts:    3,
	}
}

// NewSyncService creates a new sync service instance from an existing pool and
// initializes the sync schema.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxPullRows <= 0 {
		config.MaxPullRows = 1000
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = time.Minute
	}
	if config.TxRetryAttempts <= 0 {
		config.TxRetryAttempts = 3
	}

	service := &SyncService{
		pool:     pool,
		logger:   logger,
		config:   config,
		validate: newValidator(),
		entities: make(map[string]RegisteredEntity, len(config.RegisteredEntities)),
	}

	for _, ent := range config.RegisteredEntities {
		name := strings.ToLower(strings.TrimSpace(ent.Name))
		if name == "" {
			return nil, errors.New("registered entity name cannot be empty")
		}
		ent.Name = name
		service.entities[name] = ent
		logger.Debug("Registered entity", "entity", name, "tier", ent.Tier, "handler", ent.Handler != nil)
	}
	for _, ent := range service.entities {
		for _, ref := range ent.References {
			if _, ok := service.entities[ref.Entity]; !ok {
				return nil, fmt.Errorf("entity %s references unregistered entity %s", ent.Name, ref.Entity)
			}
		}
	}

	if pool != nil {
		if err := service.initializeSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to initialize sync service: %w", err)
		}
	}

	return service, nil
}

// Close gracefully shuts down the sync service.
// Note: This does NOT close the database pool - the caller is responsible for pool lifecycle
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsEntityRegistered reports whether push accepts the entity
func (s *SyncService) IsEntityRegistered(entity string) bool {
	_, ok := s.entities[entity]
	return ok
}

// EntityOrder returns registered entity names sorted by tier, then name
func (s *SyncService) EntityOrder() []string {
	names := make([]string, 0, len(s.entities))
	for name := range s.entities {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ti, tj := s.entities[names[i]].Tier, s.entities[names[j]].Tier
		if ti != tj {
			return ti < tj
		}
		return names[i] < names[j]
	})
	return names
}

// checkClosed returns an error if the service has been closed
func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}
