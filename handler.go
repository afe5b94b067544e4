package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// ControlPrefix is the path prefix of the agent's own endpoints.
const ControlPrefix = "/.offline-cache"

type HandlerConfig struct {
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Served on the metrics endpoint when set.
	Metrics *Metrics
	// Listed on the notifications endpoint when set.
	Notifications *NotificationCenter
}

// Handler is the HTTP surface of the agent.
// Requests under ControlPrefix deliver events, every other request is intercepted.
type Handler struct {
	reg           *Registration
	metrics       *Metrics
	notifications *NotificationCenter
	router        chi.Router
	handler       http.Handler
}

func NewHandler(reg *Registration, config HandlerConfig) *Handler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	h := &Handler{
		reg:           reg,
		metrics:       config.Metrics,
		notifications: config.Notifications,
	}

	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/message", h.message)
		r.Post("/sync", h.sync)
		r.Post("/push", h.push)
		r.Get("/notifications", h.listNotifications)
		r.Post("/notifications/{id}/click", h.notificationClick)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	})
	r.HandleFunc("/*", h.intercept)
	h.router = r

	// absolute-form requests are proxied whatever their path
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.IsAbs() {
			h.intercept(w, req)
			return
		}
		h.router.ServeHTTP(w, req)
	})
	h.handler = hlog.NewHandler(logger)(
		hlog.RequestIDHandler("req_id", "Request-Id")(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Trace().
					Str("method", r.Method).
					Stringer("url", r.URL).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Msg("Handled request")
			})(dispatch)))
	return h
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) intercept(w http.ResponseWriter, r *http.Request) {
	logger := getLogger(r)

	id, isNew := h.reg.identify(r)
	if isNew {
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookieName,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	worker := h.reg.controller(id)
	if worker == nil {
		h.bypass(w, r)
		return
	}

	// escape hatch: a panic while intercepting sends the request to the network
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithLevel(zerolog.PanicLevel).Interface("panic", rec).Msg("Interception failed, bypassing")
			h.bypass(w, r)
		}
	}()

	res, action, err := worker.Fetch(r.Context(), r)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	h.send(w, r, res, cacheStatusFor(r.Method, action))
}

func (h *Handler) bypass(w http.ResponseWriter, r *http.Request) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdBypass)
	res, err := h.reg.Passthrough(r.Context(), r)
	if err != nil {
		getLogger(r).Warn().Err(err).Str("url", r.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	h.send(w, r, res, cs)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs CacheStatus) {
	logger := getLogger(r)
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	if w.Header().Get("Content-Length") == "" && res.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		if bytesWritten, err = io.Copy(w, res.Body); err != nil {
			logger.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	logRequest(logger, r, res.StatusCode, cs)
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.reg.Status(r.Context())
	if err != nil {
		getLogger(r).Error().Err(err).Msg("Could not list generations")
		http.Error(w, "Could not list generations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) message(w http.ResponseWriter, r *http.Request) {
	var m Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}
	if err := h.reg.Message(r.Context(), m); err != nil {
		getLogger(r).Error().Err(err).Str("type", m.Type).Msg("Could not handle message")
		http.Error(w, "Could not handle message", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Tag == "" {
		http.Error(w, "Missing sync tag", http.StatusBadRequest)
		return
	}
	if err := h.reg.Sync(r.Context(), body.Tag); err != nil {
		writeEventError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Could not read payload", http.StatusBadRequest)
		return
	}
	var payload *string
	if len(b) > 0 {
		text := string(b)
		payload = &text
	}
	n, err := h.reg.Push(r.Context(), payload)
	if err != nil {
		writeEventError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.notifications == nil {
		writeJSON(w, http.StatusOK, []Notification{})
		return
	}
	writeJSON(w, http.StatusOK, h.notifications.List())
}

func (h *Handler) notificationClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	// the body is optional, a click on the notification itself has no action
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid click", http.StatusBadRequest)
		return
	}
	if err := h.reg.NotificationClick(r.Context(), chi.URLParam(r, "id"), body.Action); err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeEventError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeEventError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNoActiveWorker) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	getLogger(r).Error().Err(err).Msg("Event handler failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}

func logRequest(logger *zerolog.Logger, r *http.Request, status int, cs CacheStatus) {
	isHit := 0
	if cs.status == CacheStatusHit {
		isHit = 1
	}
	logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("fwd", string(cs.fwdReason)).
		Bool("stored", cs.stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// upstream proxy headers are not passed on to the page
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
