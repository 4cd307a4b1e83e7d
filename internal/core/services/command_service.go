package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
	"opsdeck/pkg/utils"
)

// maxResultOutput caps the payload a single command result may carry over
// the wire.
const maxResultOutput = 16 << 10

// CommandHandler executes one command. The context carries the execution
// deadline; handlers must honor it on anything that can block.
type CommandHandler func(ctx context.Context, params map[string]interface{}) (string, error)

// CommandMetrics is the instrumentation surface the gateway reports into.
type CommandMetrics interface {
	ObserveCommand(command string, d time.Duration)
	CommandError(kind string)
}

type CommandConfig struct {
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

// CommandGateway validates and asynchronously executes client commands on a
// worker pool, keeping execution off the broadcast path. Every accepted
// request produces exactly one CommandResult for its originating session.
type CommandGateway struct {
	logger      *zap.Logger
	broadcaster ports.Broadcaster
	metrics     CommandMetrics
	timeout     time.Duration
	handlers    map[string]CommandHandler

	policies atomic.Pointer[domain.PolicyTable]

	jobs chan domain.CommandRequest
	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

func NewCommandGateway(
	cfg CommandConfig,
	table domain.PolicyTable,
	handlers map[string]CommandHandler,
	broadcaster ports.Broadcaster,
	metrics CommandMetrics,
	logger *zap.Logger,
) (*CommandGateway, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	g := &CommandGateway{
		logger:      logger,
		broadcaster: broadcaster,
		metrics:     metrics,
		timeout:     cfg.Timeout,
		handlers:    handlers,
		jobs:        make(chan domain.CommandRequest, cfg.QueueSize),
		done:        make(chan struct{}),
	}
	g.policies.Store(&table)

	g.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go g.worker()
	}
	return g, nil
}

// Submit validates the request and enqueues it. Checks run in a fixed
// order: unknown command, then permission, then parameter shape, so a
// caller probing a command it may not run learns nothing about its
// parameters. Validation failures are returned synchronously and produce
// no CommandResult.
func (g *CommandGateway) Submit(ctx context.Context, req domain.CommandRequest, level domain.PermissionLevel) error {
	table := *g.policies.Load()
	policy, ok := table[req.Command]
	if !ok {
		return domain.ErrUnknownCommand
	}
	if _, ok := g.handlers[req.Command]; !ok {
		return domain.ErrUnknownCommand
	}
	if level < policy.RequiredLevel {
		return domain.ErrInsufficientPermission
	}
	if err := policy.CheckParams(req.Parameters); err != nil {
		return err
	}

	select {
	case g.jobs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return domain.ErrCapacityExceeded
	}
}

// ReloadPolicy swaps the whitelist atomically. In-flight commands keep the
// table they were validated against.
func (g *CommandGateway) ReloadPolicy(table domain.PolicyTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	g.policies.Store(&table)
	g.logger.Info("command policy reloaded", zap.Int("commands", len(table)))
	return nil
}

// Shutdown stops accepting work and waits for the workers to drain.
func (g *CommandGateway) Shutdown() {
	g.stop.Do(func() { close(g.done) })
	g.wg.Wait()
}

func (g *CommandGateway) worker() {
	defer g.wg.Done()
	for {
		select {
		case req := <-g.jobs:
			g.execute(req)
		case <-g.done:
			return
		}
	}
}

type handlerOutcome struct {
	output string
	err    error
}

// execute runs one command under the configured timeout. A handler that
// outlives the deadline is abandoned, not killed; its context is canceled
// and its eventual return value is discarded.
func (g *CommandGateway) execute(req domain.CommandRequest) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	outcome := make(chan handlerOutcome, 1)
	go func() {
		output, err := g.handlers[req.Command](ctx, req.Parameters)
		outcome <- handlerOutcome{output: output, err: err}
	}()

	result := domain.CommandResult{RequestID: req.RequestID}
	select {
	case o := <-outcome:
		if o.err != nil {
			result.ErrorKind = domain.ErrorKindExecutionFailed
			result.Output = utils.TruncateString(o.err.Error(), maxResultOutput)
			g.logger.Warn("command failed",
				zap.String("command", req.Command),
				zap.String("request_id", req.RequestID),
				zap.Error(o.err))
		} else {
			result.Success = true
			result.Output = utils.TruncateString(utils.SanitizeString(o.output), maxResultOutput)
		}
	case <-ctx.Done():
		result.ErrorKind = domain.ErrorKindTimeout
		g.logger.Warn("command timed out",
			zap.String("command", req.Command),
			zap.String("request_id", req.RequestID),
			zap.Duration("timeout", g.timeout))
	}

	if g.metrics != nil {
		g.metrics.ObserveCommand(req.Command, time.Since(start))
		if !result.Success {
			g.metrics.CommandError(string(result.ErrorKind))
		}
	}

	// The originating session may have disconnected past its grace period;
	// that is a no-op, never an execution failure.
	if err := g.broadcaster.PublishResult(context.Background(), req.Origin, result); err != nil {
		g.logger.Debug("command result dropped, session gone",
			zap.String("request_id", req.RequestID),
			zap.String("session_id", string(req.Origin)))
	}
}
