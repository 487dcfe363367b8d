/*
Copyright © contributors to CloudNativePG, established as
CloudNativePG a Series of LF Projects, LLC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"context"
	"time"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/lib/pq"
)

// WakeChannel is the NOTIFY channel operators can use to force an
// immediate sampling cycle: NOTIFY walsizer_wake;
const WakeChannel = "walsizer_wake"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

// WakeListener turns LISTEN notifications into wake-ups for the
// control loop. Notifications arriving while a cycle is in flight
// collapse into a single pending wake.
type WakeListener struct {
	listener *pq.Listener
	wake     chan struct{}
}

// NewWakeListener subscribes to the wake channel. An empty conninfo
// falls back to the libpq environment variables.
func NewWakeListener(ctx context.Context, conninfo string) (*WakeListener, error) {
	contextLogger := log.FromContext(ctx).WithName("wakelistener")

	listener := pq.NewListener(conninfo, listenerMinReconnect, listenerMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				contextLogger.Info("listener connection event",
					"event", int(event),
					"error", err.Error())
			}
		})

	if err := listener.Listen(WakeChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	return &WakeListener{
		listener: listener,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Start forwards notifications until the context is cancelled.
func (w *WakeListener) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case notification := <-w.listener.Notify:
				// nil notifications report reconnections
				if notification == nil {
					continue
				}
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		}
	}()
}

// Wake is the channel the control loop selects on.
func (w *WakeListener) Wake() <-chan struct{} {
	return w.wake
}

// Close tears down the listener connection.
func (w *WakeListener) Close() error {
	return w.listener.Close()
}
