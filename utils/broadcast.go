/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"context"
)

// A Broadcaster fans out published messages to all subscribers. Slow
// subscribers miss messages instead of blocking the publisher.
type Broadcaster struct {
	bufferSize int
	stopped    AtomicBool

	publishCh     chan interface{}
	subscribeCh   chan chan interface{}
	unsubscribeCh chan chan interface{}
	stopCh        chan struct{}
	doneCh        chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		bufferSize: 10,

		publishCh:     make(chan interface{}, 16),
		subscribeCh:   make(chan chan interface{}),
		unsubscribeCh: make(chan chan interface{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (b *Broadcaster) SetBufferSize(bufferSize int) {
	b.bufferSize = bufferSize
}

// Start pumps messages until Stop is called or ctx is done. All subscriber
// channels are closed when Start returns.
func (b *Broadcaster) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer close(b.doneCh)

	subscribers := make(map[chan interface{}]struct{})
	defer func() {
		for messageCh := range subscribers {
			close(messageCh)
		}
	}()

	for {
		select {
		case messageCh := <-b.subscribeCh:
			subscribers[messageCh] = struct{}{}

		case messageCh := <-b.unsubscribeCh:
			if _, ok := subscribers[messageCh]; ok {
				delete(subscribers, messageCh)
				close(messageCh)
			}

		case msg := <-b.publishCh:
			for messageCh := range subscribers {
				select {
				case messageCh <- msg:
				default:
				}
			}

		case <-b.stopCh:
			return

		case <-ctx.Done():
			b.Stop()
			return
		}
	}
}

func (b *Broadcaster) Stop() {
	if b.stopped.CompareFalseAndSetTrue() {
		close(b.stopCh)
	}
}

// Subscribe returns a new channel receiving all messages published from now
// on. It returns a closed channel once the broadcaster has stopped.
func (b *Broadcaster) Subscribe() chan interface{} {
	messageCh := make(chan interface{}, b.bufferSize)
	select {
	case b.subscribeCh <- messageCh:
	case <-b.doneCh:
		close(messageCh)
	}
	return messageCh
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Broadcaster) Unsubscribe(messageCh chan interface{}) {
	select {
	case b.unsubscribeCh <- messageCh:
	case <-b.doneCh:
	}
}

// Broadcast publishes msg to all subscribers. It never blocks after the
// broadcaster has stopped.
func (b *Broadcaster) Broadcast(msg interface{}) {
	select {
	case b.publishCh <- msg:
	case <-b.doneCh:
	}
}
