package health

import (
	"context"
	"fmt"
	"time"
)

// BrokerConnection is what the connection check needs from the
// connection manager
type BrokerConnection interface {
	IsConnected() bool
	Probe() error
	Connects() int
}

// ConnectionChecker checks the broker connection without reconnecting
type ConnectionChecker struct {
	conn BrokerConnection
}

// NewConnectionChecker creates a new broker connection checker
func NewConnectionChecker(conn BrokerConnection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
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
	result.Details["connects"] = c.conn.Connects()

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		result.Duration = time.Since(start)
		return result
	}

	if err := c.conn.Probe(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "connection probe failed"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// BacklogChecker reports degraded when too many events wait in the queue
type BacklogChecker struct {
	length    func() int
	threshold int
}

// NewBacklogChecker creates a checker over a queue length function
func NewBacklogChecker(length func() int, threshold int) *BacklogChecker {
	return &BacklogChecker{
		length:    length,
		threshold: threshold,
	}
}

func (c *BacklogChecker) Name() string {
	return "backlog"
}

func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	backlog := c.length()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "queue is draining",
		Details: map[string]interface{}{
			"queued":    backlog,
			"threshold": c.threshold,
		},
	}

	if c.threshold > 0 && backlog > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d events waiting", backlog)
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
