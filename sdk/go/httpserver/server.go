// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is an http.Server that can be started on ":0" (Addr is
// updated to the real listening address by the time Start returns)
// and shut down gracefully without exiting the process.
type Server struct {
	http.Server
	Addr string

	listener net.Listener
	done     chan struct{}
	err      error
	mtx      sync.Mutex
}

// Start listens on srv.Addr and serves in a background goroutine,
// using TLS if srv.TLSConfig is set.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			srv.mtx.Lock()
			srv.err = err
			srv.mtx.Unlock()
		}
	}()
	return nil
}

// Close stops accepting connections, waits up to 10 seconds for
// active requests to finish, and returns when the server has stopped.
func (srv *Server) Close() error {
	if srv.done == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Server.Close()
	}
	return srv.Wait()
}

// Wait returns when the server has stopped.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
