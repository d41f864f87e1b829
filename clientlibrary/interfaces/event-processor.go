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
package interfaces

import (
	"context"
)

type (
	// IPartitionContext is handed to the processor of one partition. It identifies the partition and
	// the lease the host holds on it, and persists progress.
	IPartitionContext interface {
		PartitionID() string
		HostName() string

		// Owner is the lease owner as last known by this host.
		Owner() string
		Epoch() int64

		// Checkpoint records the position of the last event delivered to the processor.
		// All checkpoint methods fail when no event has been received yet.
		Checkpoint(ctx context.Context) error

		// CheckpointEvent records the position of the given event.
		CheckpointEvent(ctx context.Context, event *EventData) error

		// CheckpointAt records an explicit position. A sequence number lower than the last one
		// recorded by this host is ignored.
		CheckpointAt(ctx context.Context, offset string, sequenceNumber int64) error
	}

	// IEventProcessor is the interface for the application processing the events of one partition.
	// Each partition gets its own instance, and calls to one instance are never concurrent.
	IEventProcessor interface {
		/**
		 * Invoked before the host starts receiving the partition. Returning an error gives the
		 * partition up: the lease is released and another host (or this one, later) retries.
		 */
		OnOpen(ctx context.Context, input *OnOpenInput) error

		/**
		 * Process events delivered by the host. An error is reported to the error handler and to
		 * OnError, processing continues with the next batch.
		 * ctx is cancelled when the partition is being closed.
		 */
		ProcessEvents(ctx context.Context, input *ProcessEventsInput) error

		/**
		 * Invoked once when the host stops processing the partition after a successful OnOpen.
		 * With reason Shutdown the lease is still held and ctx allows a final checkpoint.
		 */
		OnClose(ctx context.Context, input *OnCloseInput)

		/**
		 * Invoked when receiving or processing events failed.
		 */
		OnError(input *OnErrorInput)
	}

	// IEventProcessorFactory is interface for creating IEventProcessor. Each partition is handled by
	// its own processor instance.
	IEventProcessorFactory interface {
		CreateProcessor(partitionContext IPartitionContext) IEventProcessor
	}

	// EventReceiver delivers the events of one opened partition.
	EventReceiver interface {
		// Receive blocks until a batch is available or ctx is done. An empty batch is valid.
		Receive(ctx context.Context) ([]*EventData, error)
		Close() error
	}

	// EventSource is the event stream the host distributes. The network client behind it is
	// provided by the application.
	EventSource interface {
		// PartitionIDs lists every partition of the stream.
		PartitionIDs(ctx context.Context) ([]string, error)

		// Open starts receiving a partition from position. epoch is the lease epoch held by the
		// host, sources supporting it preempt receivers opened with a lower epoch.
		Open(ctx context.Context, partitionID string, epoch int64, position EventPosition) (EventReceiver, error)
	}
)
