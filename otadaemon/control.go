// SPDX-License-Identifier: Apache-2.0
//
// Copyright (C) 2021 Renesas Electronics Corporation.
// Copyright (C) 2021 EPAM Systems, Inc.
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

package otadaemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Control daemon control handle. It doesn't reference the daemon itself.
type Control struct {
	shutdownOnce sync.Once
	shutdown     chan struct{}
	reload       chan struct{}
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// NewControl creates control handle.
func NewControl() (control *Control) {
	return &Control{
		shutdown: make(chan struct{}),
		reload:   make(chan struct{}, 1),
	}
}

// Shutdown requests graceful shutdown.
func (control *Control) Shutdown() {
	control.shutdownOnce.Do(func() {
		log.Info("Shutdown requested")

		close(control.shutdown)
	})
}

// Reload requests configuration reload. Repeated requests are coalesced.
func (control *Control) Reload() {
	select {
	case control.reload <- struct{}{}:
		log.Info("Configuration reload requested")

	default:
	}
}

// ShutdownRequested returns true if shutdown was requested.
func (control *Control) ShutdownRequested() bool {
	select {
	case <-control.shutdown:
		return true

	default:
		return false
	}
}

// ListenSignals starts termination and hangup signal listeners. Listeners stop when ctx is done.
func (control *Control) ListenSignals(ctx context.Context) {
	go listenSignal(ctx, control.Shutdown, syscall.SIGTERM, os.Interrupt)
	go listenSignal(ctx, control.Reload, syscall.SIGHUP)
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func listenSignal(ctx context.Context, handler func(), signals ...os.Signal) {
	signalChannel := make(chan os.Signal, 1)

	signal.Notify(signalChannel, signals...)
	defer signal.Stop(signalChannel)

	for {
		select {
		case sig := <-signalChannel:
			log.WithField("signal", sig).Info("Signal received")

			handler()

		case <-ctx.Done():
			return
		}
	}
}
