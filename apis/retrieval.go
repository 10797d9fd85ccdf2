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

package apis

import (
	"net/http"

	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/streamgate/streamgate/common"
	"github.com/streamgate/streamgate/payload"
)

// SecretHeader carries the shared retrieval secret on payload fetches
const SecretHeader = "X-Proxy-Secret"

// APIRestPayloadHandler REST handler for the loopback payload retrieval server
type APIRestPayloadHandler struct {
	APIRestHandler
	store payload.Store
}

// GetAPIRestPayloadHandler define APIRestPayloadHandler
func GetAPIRestPayloadHandler(
	store payload.Store, logConfig common.HTTPRequestLogging,
) (APIRestPayloadHandler, error) {
	logTags := log.Fields{
		"module": "apis", "component": "api-handler-payload",
	}
	return APIRestPayloadHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: logConfig.RequestIDHeader,
		},
		store: store,
	}, nil
}

// RetrievePayload godoc
// @Summary Fetch one parked payload
// @Description One-time fetch of an oversized response body by its token. The
// shared secret from the handshake must be presented. Unknown, expired, and
// already consumed tokens all return 404.
// @Param token path string true "payload token"
// @Param X-Proxy-Secret header string true "shared retrieval secret"
// @Success 200 {bytes} original payload with its original content type
// @Failure 404 {object} StandardResponse "token unknown, expired, or consumed"
// @Router /v1/payload/{token} [get]
func (h APIRestPayloadHandler) RetrievePayload(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/payload/{token}"
	logTags := h.GetLogTagsForContext(r.Context())
	vars := mux.Vars(r)
	token, ok := vars["token"]
	if !ok {
		msg := "missing payload token"
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(common.CodePayloadNotFound, &msg), restCall)
		return
	}
	data, contentType, err := h.store.Retrieve(
		r.Context(), token, r.Header.Get(SecretHeader),
	)
	if err != nil {
		// No distinction between unknown, expired, consumed, and bad secret
		log.WithError(err).WithFields(logTags).Debug("Payload fetch missed")
		msg := "no payload for token"
		h.reply(w, http.StatusNotFound, getStdRESTErrorMsg(common.CodePayloadNotFound, &msg), restCall)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to write payload body for %s", restCall,
		)
	}
}

// RetrievePayloadHandler Wrapper around RetrievePayload
func (h APIRestPayloadHandler) RetrievePayloadHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.RetrievePayload(w, r)
	})
}

// ==============================================================================

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the payload server is live
// @Success 200 {object} StandardResponse "success"
// @Router /v1/alive [get]
func (h APIRestPayloadHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /v1/alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestPayloadHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For readiness check
// @Description Will return success once the payload store is serving
// @Success 200 {object} StandardResponse "success"
// @Router /v1/ready [get]
func (h APIRestPayloadHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /v1/ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestPayloadHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
