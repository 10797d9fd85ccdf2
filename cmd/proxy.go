// Copyright 2025-2026 The streamgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/streamgate/streamgate/apis"
	"github.com/streamgate/streamgate/cometd"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/dispatch"
	"github.com/streamgate/streamgate/eventbus"
	"github.com/streamgate/streamgate/metric"
	"github.com/streamgate/streamgate/payload"
	"github.com/streamgate/streamgate/schema"
	"github.com/streamgate/streamgate/transport"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunProxyServer run the streaming proxy host: frame transport on the local
// channel, dispatch to the protocol clients, and the loopback payload
// retrieval server
func RunProxyServer(
	runTimeContext context.Context,
	rtCancel context.CancelFunc,
	config *common.SystemConfig,
	instance string,
	reader io.Reader,
	writer io.Writer,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "proxy",
		"instance":  instance,
	}

	metrics, err := metric.GetMetricsInstance()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	// The retrieval secret lives for one process run and is handed to the
	// caller only through the handshake response
	secret, err := payload.GenerateSecret()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to generate retrieval secret")
		return err
	}

	framer, err := transport.GetFramerInstance(config.Transport, reader, writer, metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define frame transport")
		return err
	}

	store, err := payload.GetPayloadStoreInstance(
		runTimeContext, config.Payload, secret, wg, metrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define payload store")
		return err
	}
	if err := store.StartSweeping(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start payload sweep")
		return err
	}

	// Bind before the handshake so the real port is known. Port zero selects
	// an ephemeral port.
	listener, err := net.Listen(
		"tcp",
		fmt.Sprintf("%s:%d", config.Retrieval.Server.ListenOn, config.Retrieval.Server.Port),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind retrieval listener")
		return err
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port

	schemas, err := schema.GetRegistryInstance(metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define schema registry")
		return err
	}
	esClient, err := eventbus.GetClientInstance(
		runTimeContext, config.EventStream, schemas, wg, metrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event bus client")
		return err
	}
	lpPool, err := cometd.GetSessionPoolInstance(
		runTimeContext, config.LongPoll, wg, metrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define long poll pool")
		return err
	}
	subscriptions, err := dispatch.GetManagerInstance()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription manager")
		return err
	}

	router, err := dispatch.GetRouterInstance(
		runTimeContext, dispatch.RouterParams{
			Config:          config.Router,
			InlineThreshold: config.Payload.InlineThreshold,
			Framer:          framer,
			Payloads:        store,
			Subscriptions:   subscriptions,
			EventBus:        esClient,
			LongPoll:        lpPool,
			Handshake: common.HandshakeResponse{
				Port:           boundPort,
				Secret:         secret,
				MaxInlineBytes: config.Payload.InlineThreshold,
				Version:        common.Version,
			},
			FatalAbort: rtCancel,
			Metrics:    metrics,
		}, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define router")
		return err
	}
	if err := router.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start router")
		return err
	}

	// -------------------------------------------------------------------
	// Start the loopback HTTP server

	httpHandler, err := apis.GetAPIRestPayloadHandler(store, config.Retrieval.Logging)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	httpRouter := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(httpRouter, config.Retrieval.PathPrefix, nil)

	// Payload retrieval
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/payload/{token}", map[string]http.HandlerFunc{
			"get": httpHandler.RetrievePayloadHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	mainRouter.Path("/metrics").Methods("get").Handler(metrics.HTTPHandler())

	// Add logging
	httpRouter.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	httpSrv := &http.Server{
		ReadTimeout:  time.Second * time.Duration(config.Retrieval.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.Retrieval.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Retrieval.Server.IdleTimeout),
		Handler:      h2c.NewHandler(httpRouter, &http2.Server{}),
	}

	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started payload server on http://127.0.0.1:%d", boundPort)

	// -------------------------------------------------------------------
	// Pump caller requests from the frame transport into the router

	wg.Add(1)
	go func() {
		defer wg.Done()
		// The transport is the caller's only channel in, so once the read
		// side dies the process winds down
		defer rtCancel()
		for {
			request, err := framer.ReadMessage()
			if err != nil {
				if err == io.EOF {
					log.WithFields(logTags).Info("Caller closed the local channel")
					return
				}
				if errors.Is(err, transport.ErrBodyNotJSON) {
					// Framing is still intact, report and keep serving
					if wErr := framer.WriteMessage(
						common.GetStdErrorResponse("", err),
					); wErr != nil {
						log.WithError(wErr).WithFields(logTags).Error("Unable to report bad frame")
						return
					}
					continue
				}
				log.WithError(err).WithFields(logTags).Error("Local channel read failed")
				return
			}
			if err := router.SubmitRequest(runTimeContext, request); err != nil {
				log.WithError(err).WithFields(logTags).Error("Router rejected request")
				return
			}
		}
	}()

	// ============================================================================

	<-runTimeContext.Done()

	// Cancel live subscriptions and emit their end pushes before the
	// transport goes away
	if err := router.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during router shutdown")
	}
	if err := store.StopSweeping(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during sweep shutdown")
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
