// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package actor provides the mailbox-driven workers the bridge runs once per
// broker connection. A producer (the broker client's delivery callback) sends
// into the mailbox, and a single worker goroutine processes the messages in
// the order they were sent.
package actor

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrClosed is returned by Send once the mailbox has been closed.
var ErrClosed = errors.New("mailbox closed")

// Actor defines the interface for an actor process.
//
// An actor owns no shared state of its own beyond what it is given at
// construction; everything it learns arrives through its mailbox. The bridge
// uses one actor per broker connection to move inbound messages off the
// client library's callback goroutine, so a slow consumer delays only its own
// connection.
type Actor interface {
	// Start runs the actor until ctx is canceled or the mailbox is closed.
	// It must process messages in the order they were received.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a channel-based message queue for an actor.
// It uses a buffered channel to store incoming messages, allowing for
// asynchronous message passing between a producer and its actor.
//
// A Mailbox has exactly one consumer. Messages are received in the order they
// were sent by any single producer. Closing the mailbox unblocks both sides:
// pending and future Sends return ErrClosed, Receive returns ErrClosed, and
// whatever was still buffered can be collected with Drain.
type Mailbox struct {
	messages chan any
	done     chan struct{}
	once     sync.Once
}

// NewMailbox creates a new mailbox with the given buffer size.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
		done:     make(chan struct{}),
	}
}

// Send puts a message into the mailbox. It blocks while the buffer is full,
// which applies backpressure to the producer, and returns ErrClosed instead
// of blocking forever once the mailbox is closed.
func (mb *Mailbox) Send(msg any) error {
	select {
	case <-mb.done:
		return ErrClosed
	default:
	}
	select {
	case mb.messages <- msg:
		return nil
	case <-mb.done:
		return ErrClosed
	}
}

// Receive blocks until a message is received, the mailbox is closed or the
// context is canceled.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	case <-mb.done:
		return nil, ErrClosed
	}
}

// Close stops accepting new messages. Messages already buffered can still be
// collected with Drain. Close is idempotent.
func (mb *Mailbox) Close() {
	mb.once.Do(func() { close(mb.done) })
}

// Done is closed when the mailbox is closed.
func (mb *Mailbox) Done() <-chan struct{} {
	return mb.done
}

// Drain returns the messages still buffered without blocking.
func (mb *Mailbox) Drain() []any {
	var out []any
	for {
		select {
		case msg := <-mb.messages:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Worker runs an Actor on its own goroutine and lets the owner wait for it to
// finish.
//
// A Worker is created by Spawn and lives until its actor returns. That
// happens when the mailbox is closed (Stop), when the parent context is
// canceled, when the actor returns an error, or when it panics. Errors other
// than cancellation and mailbox closure are logged; panics are recovered and
// logged. A Worker is never restarted: the owner spawns a new one with a new
// mailbox instead.
type Worker struct {
	id      string
	mailbox *Mailbox
	cancel  context.CancelFunc
	done    chan struct{}
}

// Spawn starts a on a new goroutine bound to mb. The worker stops when Stop
// is called or parent is canceled. A panic in a ends the worker; it is not
// restarted.
func Spawn(parent context.Context, id string, a Actor, mb *Mailbox) *Worker {
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		id:      id,
		mailbox: mb,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[ERROR] Worker %s panicked: %v", id, r)
			}
		}()
		if err := a.Start(ctx, mb); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			log.Printf("[ERROR] Worker %s stopped: %v", id, err)
		}
	}()
	return w
}

// Stop closes the worker's mailbox and waits for the actor to return.
func (w *Worker) Stop() {
	w.mailbox.Close()
	<-w.done
	w.cancel()
}

// Done is closed when the actor has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
