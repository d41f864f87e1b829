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
package worker

import (
	"context"
	"sync"
)

// Executor runs the tasks of a host: the partition scanner, the lease renewer, one pump per owned
// partition and the renewal of each lease. Pumps and loops run until the host stops them, so an
// executor must not bound concurrency below the partition count plus two.
type Executor interface {
	// Submit schedules task. It fails with ErrExecutorShutdown once Shutdown was called.
	Submit(task func()) error

	// Shutdown stops accepting tasks and waits for running ones until ctx is done.
	Shutdown(ctx context.Context) error
}

// goroutineExecutor runs every task on its own goroutine.
type goroutineExecutor struct {
	mux       sync.Mutex
	closed    bool
	waitGroup sync.WaitGroup
	onPanic   func(recovered interface{})
}

// NewGoroutineExecutor creates the executor a host uses when none is supplied. onPanic, when not
// nil, receives the value of any panic raised by a task.
func NewGoroutineExecutor(onPanic func(recovered interface{})) Executor {
	return &goroutineExecutor{onPanic: onPanic}
}

func (e *goroutineExecutor) Submit(task func()) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.closed {
		return ErrExecutorShutdown
	}

	e.waitGroup.Add(1)
	go func() {
		defer e.waitGroup.Done()
		defer func() {
			if r := recover(); r != nil && e.onPanic != nil {
				e.onPanic(r)
			}
		}()
		task()
	}()
	return nil
}

func (e *goroutineExecutor) Shutdown(ctx context.Context) error {
	e.mux.Lock()
	e.closed = true
	e.mux.Unlock()

	done := make(chan struct{})
	go func() {
		e.waitGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
