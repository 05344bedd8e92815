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

package bridge

import (
	"context"
	"log"

	"github.com/turtacn/mqtt-bridge/pkg/actor"
	"github.com/turtacn/mqtt-bridge/pkg/client"
)

// deliveryActor moves a connection's inbound messages from its mailbox into
// the message log, one at a time.
type deliveryActor struct {
	connectionID string
	deliver      func(id string, msg client.Message)
}

// Start implements actor.Actor. Messages still buffered when the mailbox is
// closed are delivered before returning.
func (d *deliveryActor) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			for _, pending := range mb.Drain() {
				d.handle(pending)
			}
			return err
		}
		d.handle(msg)
	}
}

func (d *deliveryActor) handle(msg any) {
	m, ok := msg.(client.Message)
	if !ok {
		log.Printf("[WARN] Delivery worker %s ignored unknown message type %T", d.connectionID, msg)
		return
	}
	if d.deliver != nil {
		d.deliver(d.connectionID, m)
	}
}
