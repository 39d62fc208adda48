package service

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/tradeweave/relay/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")

	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service (without resetting it).
	ErrAlreadyStopped = errors.New("already stopped")

	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a component that can be started and stopped. The relay's
// long-running pieces (websocket server, bus subscriber, heartbeat sweeper,
// summary ticker) all implement it through BaseService.
type Service interface {
	// Start the service. The service runs until the context terminates or
	// Stop is called. Starting an already running service is an error.
	Start(context.Context) error

	// IsRunning returns true while the service is running.
	IsRunning() bool

	// String returns the service's name.
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation is the part of a service supplied by the embedder.
type Implementation interface {
	Service

	// OnStart is called by Start. It should spawn any goroutines the
	// service needs and return promptly.
	OnStart(context.Context) error

	// OnStop is called by Stop and when the service's context terminates.
	OnStop()
}

// BaseService provides the canonical Start/Stop/Wait implementation.
// Embed it and override OnStart/OnStop:
//
//	type Sweeper struct {
//		service.BaseService
//		// private fields
//	}
//
//	func NewSweeper(logger log.Logger) *Sweeper {
//		s := &Sweeper{}
//		s.BaseService = *service.NewBaseService(logger, "Sweeper", s)
//		return s
//	}
//
// In the absence of errors, OnStart and OnStop are each called at most once.
// The caller must ensure Start and Stop are not called concurrently.
type BaseService struct {
	logger  log.Logger
	name    string
	started uint32 // atomic
	stopped uint32 // atomic
	quit    chan struct{}

	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &BaseService{
		logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start starts the service and calls its OnStart method. An error is returned
// if the service is already running or was stopped. When the supplied context
// terminates, the service stops itself.
func (bs *BaseService) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&bs.started, 0, 1) {
		return ErrAlreadyStarted
	}

	if atomic.LoadUint32(&bs.stopped) == 1 {
		bs.logger.Error("not starting service; already stopped", "service", bs.name)
		atomic.StoreUint32(&bs.started, 0)
		return ErrAlreadyStopped
	}

	bs.logger.Info("starting service", "service", bs.name)

	if err := bs.impl.OnStart(ctx); err != nil {
		atomic.StoreUint32(&bs.started, 0)
		return err
	}

	go func() {
		select {
		case <-bs.quit:
			// someone else explicitly called Stop
		case <-ctx.Done():
			if !bs.impl.IsRunning() {
				return
			}
			if err := bs.Stop(); err != nil {
				bs.logger.Error("error stopping service", "service", bs.name, "err", err)
			}
		}
	}()

	return nil
}

// Stop calls OnStop and closes the quit channel. An error is returned if the
// service is already stopped or was never started.
func (bs *BaseService) Stop() error {
	if !atomic.CompareAndSwapUint32(&bs.stopped, 0, 1) {
		return ErrAlreadyStopped
	}

	if atomic.LoadUint32(&bs.started) == 0 {
		bs.logger.Error("not stopping service; not started yet", "service", bs.name)
		atomic.StoreUint32(&bs.stopped, 0)
		return ErrNotStarted
	}

	bs.logger.Info("stopping service", "service", bs.name)
	bs.impl.OnStop()
	close(bs.quit)

	return nil
}

// IsRunning returns true while the service is started and not yet stopped.
func (bs *BaseService) IsRunning() bool {
	return atomic.LoadUint32(&bs.started) == 1 && atomic.LoadUint32(&bs.stopped) == 0
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String returns the service's name.
func (bs *BaseService) String() string { return bs.name }

// Logger returns the logger the service was constructed with.
func (bs *BaseService) Logger() log.Logger { return bs.logger }
