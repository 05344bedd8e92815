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

// Package admin provides the REST control surface of the bridge: managing
// broker connections, publishing, subscribing, reading recorded messages and
// maintaining the persisted subscriptions.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/mqtt-bridge/pkg/bridge"
	"github.com/turtacn/mqtt-bridge/pkg/monitor"
	"github.com/turtacn/mqtt-bridge/pkg/storage"
	"github.com/turtacn/mqtt-bridge/pkg/storage/messages"
)

const (
	connectionsPath   = "/api/v1/connections"
	messagesPath      = "/api/v1/messages"
	subscriptionsPath = "/api/v1/subscriptions"

	maxBodyBytes = 1 << 20
)

// BridgeInterface defines the bridge operations the API exposes.
//
// It is satisfied by *bridge.Bridge. Every method is expected to be safe for
// concurrent use, since net/http serves each request on its own goroutine.
// Errors returned by these methods are mapped to HTTP status codes by
// statusFor: validation errors become 400, unknown connections 404,
// connections that are not connected 409, a closed bridge 503 and broker
// rejections 502.
type BridgeInterface interface {
	Connect(req bridge.ConnectRequest) (*bridge.ConnectResult, error)
	Disconnect(id string) error
	Publish(id, topic string, payload []byte, qos byte, retain bool) (messages.Message, error)
	Subscribe(id, topic string, qos byte) (bridge.SubscriptionResult, error)
	Unsubscribe(id, topic string) (bridge.SubscriptionResult, error)
	ListConnections() []bridge.ConnectionInfo
	GetConnection(id string) (bridge.ConnectionInfo, error)
	GetMessages(topicFilter string, limit int) []messages.Message
	MatchMessages(filter string, limit int) ([]messages.Message, error)
	RecentMessages() []messages.Message
	PersistentSubscriptions(id string) storage.SubscriptionMap
	DeleteSubscription(topic, id string) (bridge.DeletionReport, error)
	DeleteAllSubscriptions(confirm bool) bridge.DeletionReport
	Stats() bridge.Stats
	PersistenceHealth() error
	ConnectionHealth() error
}

// APIResponse is the envelope of every response.
//
// Success reports whether the operation fully succeeded. Message is a
// human-readable summary. Data carries the result, and is also present on
// some failures where the operation partly succeeded (for example a
// subscription acknowledged by the broker but not saved). Error is set only
// when Success is false.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PublishRequest is the body of a publish call.
type PublishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     int    `json:"qos"`
	Retain  bool   `json:"retain"`
}

// SubscribeRequest is the body of a subscribe call.
type SubscribeRequest struct {
	Topic string `json:"topic"`
	QoS   int    `json:"qos"`
}

// PurgeRequest is the body of a delete-all call.
type PurgeRequest struct {
	Confirm bool `json:"confirm"`
}

// APIServer provides REST API endpoints for bridge management.
//
// Routes, all answering with an APIResponse:
//
//	GET    /api/v1/connections                          list connections
//	POST   /api/v1/connections                          connect
//	GET    /api/v1/connections/{id}                     one connection
//	DELETE /api/v1/connections/{id}                     disconnect
//	POST   /api/v1/connections/{id}/publish             publish
//	POST   /api/v1/connections/{id}/subscriptions       subscribe
//	DELETE /api/v1/connections/{id}/subscriptions?topic= unsubscribe
//	GET    /api/v1/messages?topic=|match=&limit=        recorded messages
//	GET    /api/v1/messages/recent                      whole visible window
//	GET    /api/v1/subscriptions?connection_id=         persisted subscriptions
//	DELETE /api/v1/subscriptions?topic=&connection_id=  delete persisted topic
//	POST   /api/v1/subscriptions/purge                  delete all (confirm)
//	GET    /health                                      health checks
//
// The server holds no state of its own apart from its health checker; all
// state lives in the bridge.
type APIServer struct {
	bridge BridgeInterface
	health *monitor.HealthChecker
}

// NewAPIServer creates a new API server instance. A failing subscription
// store makes /health unhealthy; lost connections only degrade it.
func NewAPIServer(b BridgeInterface) *APIServer {
	hc := monitor.NewHealthChecker()
	hc.RegisterCheck("persistence", b.PersistenceHealth, true)
	hc.RegisterCheck("connections", b.ConnectionHealth, false)
	return &APIServer{bridge: b, health: hc}
}

// RegisterRoutes registers all API routes
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	// Connection management
	mux.HandleFunc(connectionsPath, s.handleConnections)
	mux.HandleFunc(connectionsPath+"/", s.handleConnectionByID)

	// Message log
	mux.HandleFunc(messagesPath, s.handleMessages)
	mux.HandleFunc(messagesPath+"/recent", s.handleRecentMessages)

	// Persisted subscriptions
	mux.HandleFunc(subscriptionsPath, s.handleSubscriptions)
	mux.HandleFunc(subscriptionsPath+"/purge", s.handlePurge)

	mux.HandleFunc("/health", s.handleHealth)
}

// NewHTTPServer returns an http.Server serving the API on addr.
func NewHTTPServer(addr string, b BridgeInterface) *http.Server {
	mux := http.NewServeMux()
	NewAPIServer(b).RegisterRoutes(mux)

	log.Printf("[INFO] Admin API listening on %s", addr)
	log.Printf("[INFO]   %s (connect, list)", connectionsPath)
	log.Printf("[INFO]   %s/{id}[/publish|/subscriptions]", connectionsPath)
	log.Printf("[INFO]   %s (message log)", messagesPath)
	log.Printf("[INFO]   %s (persisted subscriptions)", subscriptionsPath)
	log.Printf("[INFO]   /health")

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// handleConnections handles /api/v1/connections
func (s *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		conns := s.bridge.ListConnections()
		msg := fmt.Sprintf("Found %d MQTT connections", len(conns))
		if len(conns) == 0 {
			msg = "No MQTT connections found"
		}
		s.writeSuccess(w, msg, map[string]interface{}{
			"connections": conns,
			"count":       len(conns),
		})

	case http.MethodPost:
		var req bridge.ConnectRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		res, err := s.bridge.Connect(req)
		if err != nil {
			s.writeFailure(w, fmt.Sprintf("Failed to connect to MQTT broker %s", brokerAddr(req)), err)
			return
		}
		info := res.Connection
		s.writeSuccess(w, fmt.Sprintf("Successfully connected to MQTT broker %s:%d with connection ID '%s'",
			info.Broker, info.Port, info.ID), res)

	default:
		s.writeMethodNotAllowed(w)
	}
}

// handleConnectionByID handles /api/v1/connections/{id} and its
// sub-resources.
func (s *APIServer) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	rest := s.extractIDFromPath(r.URL.Path, connectionsPath+"/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "Connection ID is required")
		return
	}

	switch sub {
	case "":
		s.handleConnection(w, r, id)
	case "publish":
		s.handlePublish(w, r, id)
	case "subscriptions":
		s.handleConnectionSubscriptions(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, "Not found")
	}
}

func (s *APIServer) handleConnection(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		info, err := s.bridge.GetConnection(id)
		if err != nil {
			s.writeFailure(w, fmt.Sprintf("Connection '%s' not found", id), err)
			return
		}
		s.writeSuccess(w, fmt.Sprintf("Connection '%s' is %s", id, info.Status), info)

	case http.MethodDelete:
		if err := s.bridge.Disconnect(id); err != nil {
			s.writeFailure(w, fmt.Sprintf("Connection '%s' not found", id), err)
			return
		}
		s.writeSuccess(w, fmt.Sprintf("Disconnected from MQTT broker for connection '%s'", id), nil)

	default:
		s.writeMethodNotAllowed(w)
	}
}

func (s *APIServer) handlePublish(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}
	var req PublishRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	qos, err := qosFromInt(req.QoS)
	if err != nil {
		s.writeFailure(w, "Invalid publish request", err)
		return
	}

	msg, err := s.bridge.Publish(id, req.Topic, []byte(req.Payload), qos, req.Retain)
	if err != nil {
		s.writeFailure(w, fmt.Sprintf("Failed to publish message to topic '%s'", req.Topic), err)
		return
	}
	s.writeSuccess(w, fmt.Sprintf("Message published to topic '%s' with QoS %d", req.Topic, qos), msg)
}

func (s *APIServer) handleConnectionSubscriptions(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		var req SubscribeRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		qos, err := qosFromInt(req.QoS)
		if err != nil {
			s.writeFailure(w, "Invalid subscribe request", err)
			return
		}
		res, err := s.bridge.Subscribe(id, req.Topic, qos)
		if err != nil {
			s.writeFailure(w, fmt.Sprintf("Failed to subscribe to topic '%s'", req.Topic), err)
			return
		}
		s.writeSubscriptionResult(w, fmt.Sprintf("Subscribed to topic '%s' with QoS %d", req.Topic, qos), res)

	case http.MethodDelete:
		topic := r.URL.Query().Get("topic")
		res, err := s.bridge.Unsubscribe(id, topic)
		if err != nil {
			s.writeFailure(w, fmt.Sprintf("Failed to unsubscribe from topic '%s'", topic), err)
			return
		}
		s.writeSubscriptionResult(w, fmt.Sprintf("Unsubscribed from topic '%s'", topic), res)

	default:
		s.writeMethodNotAllowed(w)
	}
}

// writeSubscriptionResult reports a broker-acknowledged change, flagging a
// save that did not make it to disk.
func (s *APIServer) writeSubscriptionResult(w http.ResponseWriter, msg string, res bridge.SubscriptionResult) {
	if !res.Persisted {
		s.writeJSON(w, http.StatusInternalServerError, APIResponse{
			Success: false,
			Message: msg + ", but the change could not be persisted",
			Data:    res,
			Error:   res.PersistError,
		})
		return
	}
	s.writeSuccess(w, msg, res)
}

// handleMessages handles /api/v1/messages?topic=&limit= and, for MQTT
// wildcard filters, /api/v1/messages?match=&limit=
func (s *APIServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit '%s'", v))
			return
		}
		limit = n
	}

	var (
		msgs   []messages.Message
		filter string
	)
	if match := q.Get("match"); match != "" {
		var err error
		msgs, err = s.bridge.MatchMessages(match, limit)
		if err != nil {
			s.writeFailure(w, "Invalid topic filter", err)
			return
		}
		filter = match
	} else {
		filter = q.Get("topic")
		msgs = s.bridge.GetMessages(filter, limit)
	}

	var msg string
	switch {
	case len(msgs) == 0 && filter == "":
		msg = "No MQTT messages received yet"
	case filter != "":
		msg = fmt.Sprintf("Found %d MQTT messages matching '%s'", len(msgs), filter)
	default:
		msg = fmt.Sprintf("Found %d MQTT messages", len(msgs))
	}
	s.writeSuccess(w, msg, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// handleRecentMessages handles /api/v1/messages/recent
func (s *APIServer) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	msgs := s.bridge.RecentMessages()
	s.writeSuccess(w, fmt.Sprintf("Found %d recent MQTT messages", len(msgs)), map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// handleSubscriptions handles /api/v1/subscriptions
func (s *APIServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id := r.URL.Query().Get("connection_id")
		subs := s.bridge.PersistentSubscriptions(id)
		var msg string
		switch {
		case id != "" && len(subs) == 0:
			msg = fmt.Sprintf("No persistent subscriptions found for connection '%s'", id)
		case id != "":
			msg = fmt.Sprintf("Found %d persistent subscription(s) for connection '%s'", subs.Count(), id)
		case len(subs) == 0:
			msg = "No persistent subscriptions found"
		default:
			msg = fmt.Sprintf("Found %d persistent subscription(s) across %d connection(s)", subs.Count(), len(subs))
		}
		s.writeSuccess(w, msg, map[string]interface{}{
			"subscriptions":     subs,
			"total_connections": len(subs),
			"total_topics":      subs.Count(),
		})

	case http.MethodDelete:
		q := r.URL.Query()
		report, err := s.bridge.DeleteSubscription(q.Get("topic"), q.Get("connection_id"))
		if err != nil {
			s.writeFailure(w, "Failed to delete subscription", err)
			return
		}
		s.writeDeletionReport(w, report)

	default:
		s.writeMethodNotAllowed(w)
	}
}

// handlePurge handles /api/v1/subscriptions/purge
func (s *APIServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}
	var req PurgeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	report := s.bridge.DeleteAllSubscriptions(req.Confirm)
	if report.Cancelled {
		s.writeJSON(w, http.StatusOK, APIResponse{Success: false, Message: report.Message, Data: report})
		return
	}
	s.writeDeletionReport(w, report)
}

func (s *APIServer) writeDeletionReport(w http.ResponseWriter, report bridge.DeletionReport) {
	if report.PersistError != "" {
		s.writeJSON(w, http.StatusInternalServerError, APIResponse{
			Success: false,
			Message: report.Message,
			Data:    report,
			Error:   report.PersistError,
		})
		return
	}
	s.writeSuccess(w, report.Message, report)
}

// handleHealth handles /health
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	status := s.health.RunChecks()
	data := map[string]interface{}{
		"status": status.Status,
		"time":   status.Timestamp.Format(time.RFC3339),
		"uptime": status.Uptime,
		"checks": status.Checks,
		"system": status.SystemInfo,
		"stats":  s.bridge.Stats(),
	}
	if status.Status == monitor.StatusUnhealthy {
		s.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Message: "unhealthy",
			Data:    data,
			Error:   http.StatusText(http.StatusServiceUnavailable),
		})
		return
	}
	s.writeSuccess(w, status.Status, data)
}

// Helper methods

// statusFor maps a bridge error to an HTTP status code.
func statusFor(err error) int {
	var be *bridge.BrokerError
	switch {
	case errors.Is(err, bridge.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &be):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func qosFromInt(q int) (byte, error) {
	if q < 0 || q > 2 {
		return 0, fmt.Errorf("%w: qos must be 0, 1 or 2, got %d", bridge.ErrValidation, q)
	}
	return byte(q), nil
}

func brokerAddr(req bridge.ConnectRequest) string {
	if req.Port == 0 {
		return req.Broker
	}
	return fmt.Sprintf("%s:%d", req.Broker, req.Port)
}

func (s *APIServer) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, message string, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func (s *APIServer) writeFailure(w http.ResponseWriter, message string, err error) {
	s.writeJSON(w, statusFor(err), APIResponse{
		Success: false,
		Message: fmt.Sprintf("%s: %v", message, err),
		Error:   err.Error(),
	})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{
		Success: false,
		Message: message,
		Error:   http.StatusText(statusCode),
	})
}

func (s *APIServer) writeMethodNotAllowed(w http.ResponseWriter) {
	s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[ERROR] Failed to encode response: %v", err)
	}
}

func (s *APIServer) extractIDFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimPrefix(path, prefix)
}
