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

// Package statusserver provides local HTTP endpoint of the OTA daemon
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/aoscloud/aos_common/aoserrors"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/otadaemon"
	"github.com/aoscloud/aos_otaclient/otatypes"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Daemon daemon interface.
type Daemon interface {
	GetStatus() (status otadaemon.Status)
	GetHistory() (records []otatypes.UpdateRecord)
	TriggerUpdate(ctx context.Context) (err error)
	ManualRollback(ctx context.Context) (err error)
}

// Server status server instance.
type Server struct {
	daemon   Daemon
	server   *http.Server
	listener net.Listener
	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
}

type status struct {
	Status string `json:"status"`
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates and starts status server.
func New(address string, daemon Daemon) (server *Server, err error) {
	log.WithField("address", address).Debug("Create status server")

	server = &Server{daemon: daemon}

	if server.listener, err = net.Listen("tcp", address); err != nil {
		return nil, aoserrors.Wrap(err)
	}

	server.ctx, server.cancel = context.WithCancel(context.Background())

	server.server = &http.Server{
		Handler:           server.newRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := server.server.Serve(server.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Status server error: %v", err)
		}
	}()

	return server, nil
}

// Address returns server listen address.
func (server *Server) Address() string {
	return server.listener.Addr().String()
}

// Close closes status server.
func (server *Server) Close() {
	log.Debug("Close status server")

	server.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.server.Shutdown(ctx); err != nil {
		log.Errorf("Can't shutdown status server: %v", err)
	}
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (server *Server) newRouter() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/status", server.handleStatus).Methods(http.MethodGet).Name("Status")
	router.HandleFunc("/history", server.handleHistory).Methods(http.MethodGet).Name("History")
	router.HandleFunc("/update", server.handleUpdate).Methods(http.MethodPost).Name("Update")
	router.HandleFunc("/rollback", server.handleRollback).Methods(http.MethodPost).Name("Rollback")

	return router
}

func (server *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, server.daemon.GetStatus())
}

func (server *Server) handleHistory(w http.ResponseWriter, req *http.Request) {
	records := server.daemon.GetHistory()
	if records == nil {
		records = []otatypes.UpdateRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (server *Server) handleUpdate(w http.ResponseWriter, req *http.Request) {
	if err := server.daemon.TriggerUpdate(server.ctx); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, status{Status: "update started"})
}

func (server *Server) handleRollback(w http.ResponseWriter, req *http.Request) {
	if err := server.daemon.ManualRollback(req.Context()); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, status{Status: "rolled back"})
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	if errors.Is(err, otadaemon.ErrBusy) {
		code = http.StatusConflict
	}

	log.WithField("code", code).Errorf("Request failed: %v", err)

	writeJSON(w, code, status{Status: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, value interface{}) {
	respJSON, err := json.Marshal(value)
	if err != nil {
		log.Errorf("Can't marshal JSON: %v", err)

		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if _, err = w.Write(respJSON); err != nil {
		log.Errorf("Can't write response: %v", err)
	}
}
