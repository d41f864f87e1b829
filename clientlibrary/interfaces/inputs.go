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
	"time"

	"github.com/aws/aws-sdk-go/aws"

	"github.com/vmware/vmware-go-eph/clientlibrary/config"
)

const (
	/**
	 * Ownership of the partition was lost to another host (lease stolen, renewal failed or the
	 * partition could not be opened). Applications SHOULD NOT checkpoint when closing, another
	 * host may have already started processing the partition.
	 */
	LeaseLost CloseReason = iota + 1

	/**
	 * The host is shutting down. The processor is given a final chance to checkpoint its progress
	 * and the lease is released afterwards so another host can take over right away.
	 */
	Shutdown
)

// Actions reported through ExceptionReceivedEventArgs.
const (
	ActionScanning       = "Scanning"
	ActionRenewing       = "Renewing"
	ActionOpening        = "Opening"
	ActionReceiving      = "Receiving"
	ActionProcessEvents  = "Processing events"
	ActionCheckpointing  = "Checkpointing"
	ActionClosing        = "Closing"
	ActionReleasing      = "Releasing"
	ActionExecutingTasks = "Executing tasks"
)

// Containers for the parameters to the IEventProcessor
type (
	// CloseReason tells the processor why its partition is being closed.
	CloseReason int

	// EventData is one event received from a partition.
	EventData struct {
		// Offset is the opaque position token of the event in its partition.
		Offset string

		// SequenceNumber increases with every event of the partition.
		SequenceNumber int64

		EnqueuedTime time.Time
		PartitionKey string
		Body         []byte
	}

	// EventPosition is where a partition starts being received. Initial is set when the partition
	// has no checkpoint, Offset and SequenceNumber otherwise.
	EventPosition struct {
		Offset         string
		SequenceNumber int64
		Initial        *config.InitialPositionInStreamExtended
	}

	OnOpenInput struct {
		// PartitionContext of the partition the processor is being opened for.
		PartitionContext IPartitionContext

		// The position receiving starts from: the last checkpoint or the initial position.
		StartPosition EventPosition
	}

	ProcessEventsInput struct {
		// The time that this batch of events was received by the host.
		ReceivedTime time.Time

		// The events received from the partition.
		Events []*EventData

		// PartitionContext the processor can use to checkpoint its progress.
		PartitionContext IPartitionContext
	}

	OnCloseInput struct {
		// Reason shows why the processor is being closed.
		Reason CloseReason

		// PartitionContext is used to record the current progress when the reason allows it.
		PartitionContext IPartitionContext
	}

	OnErrorInput struct {
		// Err is the error raised while receiving or processing events.
		Err error

		PartitionContext IPartitionContext
	}

	// ExceptionReceivedEventArgs describes a non fatal error of the host.
	ExceptionReceivedEventArgs struct {
		HostName string

		// Action the host was performing, one of the Action constants.
		Action string

		// PartitionID is empty for host level actions such as scanning.
		PartitionID string

		Err error
	}
)

var closeReasonMap = map[CloseReason]*string{
	LeaseLost: aws.String("LEASE_LOST"),
	Shutdown:  aws.String("SHUTDOWN"),
}

func CloseReasonMessage(reason CloseReason) *string {
	return closeReasonMap[reason]
}

func (r CloseReason) String() string {
	return aws.StringValue(CloseReasonMessage(r))
}

// LastEvent returns the last event of the batch, or nil when the batch is empty.
func (in *ProcessEventsInput) LastEvent() *EventData {
	if len(in.Events) == 0 {
		return nil
	}
	return in.Events[len(in.Events)-1]
}
