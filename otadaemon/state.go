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
	"errors"
	"strconv"
	"sync"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/otatypes"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

// Daemon states.
const (
	StateStarting        StateKind = "Starting"
	StateIdle            StateKind = "Idle"
	StateDiscovering     StateKind = "Discovering"
	StateCheckingUpdates StateKind = "CheckingUpdates"
	StateDownloading     StateKind = "Downloading"
	StateInstalling      StateKind = "Installing"
	StateRebooting       StateKind = "Rebooting"
	StateError           StateKind = "Error"
	StateShutdown        StateKind = "Shutdown"
)

const (
	eventIdle     = "idle"
	eventDiscover = "discover"
	eventCheck    = "check"
	eventDownload = "download"
	eventInstall  = "install"
	eventReboot   = "reboot"
	eventFail     = "fail"
	eventShutdown = "shutdown"
)

const stateQueueSize = 64

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// StateKind daemon state kind.
type StateKind string

// State daemon state with its payload.
type State struct {
	Kind         StateKind                    `json:"state"`
	Progress     *otatypes.DownloadProgress   `json:"progress,omitempty"`
	Installation *otatypes.InstallationStatus `json:"installation,omitempty"`
	Message      string                       `json:"message,omitempty"`
}

// stateMachine applies state changes in order of arrival from a single goroutine.
type stateMachine struct {
	sync.RWMutex

	fsm     *fsm.FSM
	state   State
	queue   chan stateRequest
	stopped chan struct{}
}

type stateRequest struct {
	state State
	done  chan struct{}
}

// stateSink forwards component progress into the state machine without waiting.
type stateSink struct {
	state *stateMachine
}

// installSink forwards installation status and reports backup creation.
type installSink struct {
	stateSink

	onBackup func()
}

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

var stateEvents = map[StateKind]string{ //nolint:gochecknoglobals
	StateIdle:            eventIdle,
	StateDiscovering:     eventDiscover,
	StateCheckingUpdates: eventCheck,
	StateDownloading:     eventDownload,
	StateInstalling:      eventInstall,
	StateRebooting:       eventReboot,
	StateError:           eventFail,
	StateShutdown:        eventShutdown,
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

func (state State) String() string {
	switch {
	case state.Progress != nil:
		return string(state.Kind) + "(" + formatPercentage(state.Progress.Percentage) + ")"

	case state.Installation != nil:
		return string(state.Kind) + "(" + state.Installation.String() + ")"

	case state.Message != "":
		return string(state.Kind) + "(" + state.Message + ")"

	default:
		return string(state.Kind)
	}
}

// DownloadProgress receives download progress.
func (sink stateSink) DownloadProgress(progress otatypes.DownloadProgress) {
	sink.state.post(State{Kind: StateDownloading, Progress: &progress}, nil)
}

// InstallationStatus receives installation status.
func (sink stateSink) InstallationStatus(status otatypes.InstallationStatus) {
	sink.state.post(State{Kind: StateInstalling, Installation: &status}, nil)
}

// InstallationStatus receives installation status.
func (sink installSink) InstallationStatus(status otatypes.InstallationStatus) {
	if status.Phase == otatypes.InstallBackupCreated && sink.onBackup != nil {
		sink.onBackup()
	}

	sink.stateSink.InstallationStatus(status)
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func newStateMachine() (machine *stateMachine) {
	inCycle := []string{
		string(StateDiscovering), string(StateCheckingUpdates), string(StateDownloading), string(StateInstalling),
	}

	active := append([]string{
		string(StateStarting), string(StateIdle), string(StateRebooting), string(StateError),
	}, inCycle...)

	machine = &stateMachine{
		state:   State{Kind: StateStarting},
		queue:   make(chan stateRequest, stateQueueSize),
		stopped: make(chan struct{}),
	}

	machine.fsm = fsm.NewFSM(
		string(StateStarting),
		fsm.Events{
			{Name: eventIdle, Src: active, Dst: string(StateIdle)},
			{
				Name: eventDiscover,
				Src:  append([]string{string(StateIdle), string(StateError), string(StateRebooting)}, inCycle...),
				Dst:  string(StateDiscovering),
			},
			{Name: eventCheck, Src: []string{string(StateDiscovering)}, Dst: string(StateCheckingUpdates)},
			{
				Name: eventDownload,
				Src:  []string{string(StateCheckingUpdates), string(StateDownloading)},
				Dst:  string(StateDownloading),
			},
			{
				Name: eventInstall,
				Src:  []string{string(StateDownloading), string(StateCheckingUpdates), string(StateInstalling)},
				Dst:  string(StateInstalling),
			},
			{Name: eventReboot, Src: []string{string(StateInstalling)}, Dst: string(StateRebooting)},
			{Name: eventFail, Src: active, Dst: string(StateError)},
			{Name: eventShutdown, Src: append(active, string(StateShutdown)), Dst: string(StateShutdown)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, event *fsm.Event) {
				log.WithFields(log.Fields{"from": event.Src, "to": event.Dst}).Debug("Daemon state changed")
			},
		},
	)

	go machine.run()

	return machine
}

// set applies state and waits until it is committed.
func (machine *stateMachine) set(state State) {
	done := make(chan struct{})

	if !machine.post(state, done) {
		return
	}

	select {
	case <-done:
	case <-machine.stopped:
	}
}

// post queues state change. Returns false if state machine is stopped.
func (machine *stateMachine) post(state State, done chan struct{}) (posted bool) {
	select {
	case <-machine.stopped:
		return false

	default:
	}

	select {
	case machine.queue <- stateRequest{state: state, done: done}:
		return true

	case <-machine.stopped:
		return false
	}
}

func (machine *stateMachine) current() (state State) {
	machine.RLock()
	defer machine.RUnlock()

	return machine.state
}

// close stops processing after the queued requests are applied.
func (machine *stateMachine) close() {
	done := make(chan struct{})

	if machine.post(State{Kind: StateShutdown}, done) {
		<-done
	}
}

func (machine *stateMachine) run() {
	defer close(machine.stopped)

	for request := range machine.queue {
		machine.apply(request.state)

		if request.done != nil {
			close(request.done)
		}

		if request.state.Kind == StateShutdown {
			return
		}
	}
}

func (machine *stateMachine) apply(state State) {
	event, ok := stateEvents[state.Kind]
	if !ok {
		log.WithField("state", state.Kind).Error("Unknown daemon state")

		return
	}

	if err := machine.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError

		if !errors.As(err, &noTransition) {
			log.WithFields(log.Fields{
				"state": machine.fsm.Current(), "event": event,
			}).Warnf("Invalid daemon state transition: %v", err)

			return
		}
	}

	machine.Lock()
	machine.state = state
	machine.Unlock()

	log.WithField("state", state).Debug("Daemon state")
}

func formatPercentage(percentage float64) string {
	return strconv.FormatFloat(percentage, 'f', 1, 64) + "%"
}
