/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
// The implementation is derived from https://github.com/patrobinson/gokini
//
// Copyright 2018 Patrick robinson
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of this software and associated documentation files (the "Software"), to deal in the Software without restriction, including without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of the Software, and to permit persons to whom the Software is furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chk "github.com/vmware/vmware-go-eph/clientlibrary/checkpoint"
	"github.com/vmware/vmware-go-eph/clientlibrary/config"
	kcl "github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/clientlibrary/leases"
	"github.com/vmware/vmware-go-eph/clientlibrary/metrics"
	"github.com/vmware/vmware-go-eph/logger"
)

// EventProcessorHost coordinates, together with the other hosts sharing the same lease store, which
// host processes which partition of an event stream. Each owned partition is pumped to an event
// processor created by the registered factory.
type EventProcessorHost struct {
	opts            *config.PartitionManagerOptions
	leaseStore      leases.LeaseStore
	checkpointStore chk.CheckpointStore
	source          kcl.EventSource

	executor     Executor
	ownsExecutor bool
	errorHandler func(*kcl.ExceptionReceivedEventArgs)

	log      logger.Logger
	mService metrics.MonitoringService

	mux        sync.Mutex
	registered bool
	shutdown   bool
	manager    *partitionManager

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewEventProcessorHost creates a host. Nothing happens until Register is called.
func NewEventProcessorHost(opts *config.PartitionManagerOptions, leaseStore leases.LeaseStore,
	checkpointStore chk.CheckpointStore, source kcl.EventSource) *EventProcessorHost {
	return &EventProcessorHost{
		opts:            opts,
		leaseStore:      leaseStore,
		checkpointStore: checkpointStore,
		source:          source,
	}
}

// WithExecutor runs the host's tasks on executor instead of a host-owned goroutine executor. The
// host never shuts down an executor it was given.
func (h *EventProcessorHost) WithExecutor(executor Executor) *EventProcessorHost {
	h.executor = executor
	return h
}

// WithErrorHandler receives every non-fatal failure of the host.
func (h *EventProcessorHost) WithErrorHandler(handler func(*kcl.ExceptionReceivedEventArgs)) *EventProcessorHost {
	h.errorHandler = handler
	return h
}

// HostName returns the name this host owns leases under.
func (h *EventProcessorHost) HostName() string {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.opts.HostName
}

// OwnedPartitions returns the ids of the partitions this host currently pumps, sorted.
func (h *EventProcessorHost) OwnedPartitions() []string {
	h.mux.Lock()
	m := h.manager
	h.mux.Unlock()
	if m == nil {
		return nil
	}
	return m.ownedPartitions()
}

// Register prepares the stores and starts balancing partitions. Errors returned here are fatal and
// leave the host stopped.
func (h *EventProcessorHost) Register(ctx context.Context, factory kcl.IEventProcessorFactory) error {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.shutdown {
		return ErrHostShutdown
	}
	if h.registered {
		return ErrAlreadyRegistered
	}
	if factory == nil {
		return errors.New("event processor factory cannot be nil")
	}
	if h.opts == nil || h.leaseStore == nil || h.checkpointStore == nil || h.source == nil {
		return errors.New("options, stores and event source are required")
	}

	opts := h.opts.Clone()
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	h.opts = opts
	h.log = opts.Logger.WithFields(logger.Fields{logger.FieldHost: opts.HostName})
	h.mService = opts.MonitoringService
	if h.mService == nil {
		h.mService = metrics.NoopMonitoringService{}
	}

	log := h.log
	log.Infof("Registering event processor host, application: %s", opts.ApplicationName)

	if err := h.initialize(ctx); err != nil {
		log.Errorf("Failed to initialize host: %+v", err)
		h.mService.Shutdown()
		return err
	}

	var manager *partitionManager
	if h.executor == nil {
		h.executor = NewGoroutineExecutor(func(r interface{}) {
			manager.notify(kcl.ActionExecutingTasks, "", fmt.Errorf("task panicked: %v", r))
		})
		h.ownsExecutor = true
	}

	manager = newPartitionManager(h, opts, factory)
	if err := manager.start(); err != nil {
		log.Errorf("Failed to start partition manager: %+v", err)
		h.abortRegister(manager)
		return fmt.Errorf("failed to start partition manager: %w", err)
	}
	h.manager = manager
	h.registered = true

	log.Infof("Event processor host registered.")
	return nil
}

// abortRegister undoes what Register set up before the partition manager failed to start.
func (h *EventProcessorHost) abortRegister(manager *partitionManager) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownGrace())
	defer cancel()

	if err := manager.stopLoops(ctx); err != nil {
		h.log.Warnf("Partition manager loops did not stop: %+v", err)
	}
	if h.ownsExecutor {
		if err := h.executor.Shutdown(ctx); err != nil {
			h.log.Warnf("Executor did not shut down: %+v", err)
		}
		h.executor = nil
		h.ownsExecutor = false
	}
	h.mService.Shutdown()
}

func (h *EventProcessorHost) initialize(ctx context.Context) error {
	log := h.log

	if err := h.mService.Init(h.opts.ApplicationName, h.opts.HostName); err != nil {
		return fmt.Errorf("failed to initialize monitoring service: %w", err)
	}
	if err := h.mService.Start(); err != nil {
		return fmt.Errorf("failed to start monitoring service: %w", err)
	}

	log.Infof("Creating lease and checkpoint stores if not exist...")
	if err := h.leaseStore.CreateLeaseStoreIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create lease store: %w", err)
	}
	if err := h.checkpointStore.CreateCheckpointStoreIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	partitionIDs, err := h.source.PartitionIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}
	log.Infof("Found %d partitions", len(partitionIDs))

	if err := h.leaseStore.CreateAllLeasesIfNotExists(ctx, partitionIDs); err != nil {
		return fmt.Errorf("failed to create leases: %w", err)
	}
	if err := h.checkpointStore.CreateAllCheckpointsIfNotExists(ctx, partitionIDs); err != nil {
		return fmt.Errorf("failed to create checkpoints: %w", err)
	}
	return nil
}

// Shutdown closes every pump with reason Shutdown, releases the leases and stops the host, waiting
// at most the configured shutdown grace. It is safe to call more than once.
func (h *EventProcessorHost) Shutdown() error {
	h.shutdownOnce.Do(func() {
		h.shutdownErr = h.doShutdown()
	})
	return h.shutdownErr
}

func (h *EventProcessorHost) doShutdown() error {
	h.mux.Lock()
	h.shutdown = true
	m := h.manager
	h.mux.Unlock()

	if m == nil {
		return nil
	}

	log := h.log
	log.Infof("Host shutdown is requested.")

	grace := h.opts.ShutdownGrace()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	pumps := m.stopPumps()
	err := waitPumps(ctx, pumps)
	if lerr := m.stopLoops(ctx); err == nil {
		err = lerr
	}
	if h.ownsExecutor {
		if eerr := h.executor.Shutdown(ctx); err == nil {
			err = eerr
		}
	}
	h.mService.Shutdown()

	if err != nil {
		log.Warnf("Host shutdown did not complete within %s", grace)
		return fmt.Errorf("shutdown exceeded grace period of %s: %w", grace, err)
	}

	log.Infof("Host shutdown completed.")
	return nil
}
