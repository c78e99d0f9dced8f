package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbit-relay/broker"
	"github.com/glimte/rabbit-relay/internal/rabbitmq"
)

// ConnectionChecker checks that the broker connection is open and can
// still open a channel
type ConnectionChecker struct {
	conn   broker.Connection
	logger *slog.Logger
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn broker.Connection, logger *slog.Logger) *ConnectionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionChecker{
		conn:   conn,
		logger: logger,
	}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if !c.conn.IsOpen() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	// Open a throwaway channel to test the connection
	ch, err := c.conn.OpenChannel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	if err := ch.Close(); err != nil {
		c.logger.Debug("failed closing health check channel", "error", err)
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["connection_open"] = true
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// PoolStatser reports channel pool usage
type PoolStatser interface {
	Stats() []rabbitmq.PoolStats
}

// ChannelPoolChecker reports the publisher channel pools. A pool with every
// channel checked out is degraded: the next publish has to wait.
type ChannelPoolChecker struct {
	pools PoolStatser
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pools PoolStatser) *ChannelPoolChecker {
	return &ChannelPoolChecker{pools: pools}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pools"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Channel pools are healthy",
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var saturated []string
	for _, s := range c.pools.Stats() {
		mode := s.Mode.String()
		result.Details[mode+"_created"] = s.Created
		result.Details[mode+"_size"] = s.Size
		result.Details[mode+"_idle"] = s.Idle
		result.Details[mode+"_max_size"] = s.MaxSize

		if s.Created && s.Size >= s.MaxSize && s.Idle == 0 {
			saturated = append(saturated, mode)
		}
	}

	if len(saturated) > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Channel pools exhausted: %v", saturated)
	}

	result.Duration = time.Since(start)
	return result
}
