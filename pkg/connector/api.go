// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"
)

const maxRequestBodySize = 1 << 20

// APIServer exposes the gateway over HTTP.
type APIServer struct {
	manager         *SessionManager
	defaultInstance string
	token           string
	outbox          *Outbox
	log             zerolog.Logger
	server          *http.Server
}

// NewAPIServer creates the HTTP surface. An empty token disables
// authentication.
func NewAPIServer(addr, token, defaultInstance string, manager *SessionManager, outbox *Outbox, log zerolog.Logger) *APIServer {
	a := &APIServer{
		manager:         manager,
		defaultInstance: defaultInstance,
		token:           token,
		outbox:          outbox,
		log:             log.With().Str("component", "api").Logger(),
	}
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a
}

// Handler returns the routed handler with logging and auth applied.
func (a *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", a.HandleStatus)
	mux.HandleFunc("GET /api/instances", a.HandleInstances)
	mux.HandleFunc("GET /api/qr", a.HandleQR)
	mux.HandleFunc("GET /api/qr.png", a.HandleQRImage)
	mux.HandleFunc("POST /api/connect", a.HandleConnect)
	mux.HandleFunc("POST /api/send", a.HandleSend)
	mux.HandleFunc("POST /api/send-image", a.HandleSendImage)
	mux.HandleFunc("POST /api/send-document", a.HandleSendDocument)
	mux.HandleFunc("POST /api/mark-read", a.HandleMarkRead)
	mux.HandleFunc("POST /api/disconnect", a.HandleDisconnect)
	mux.HandleFunc("GET /api/outbox", a.HandleOutbox)
	return exhttp.ApplyMiddleware(
		mux,
		hlog.NewHandler(a.log),
		requestlog.AccessLogger(requestlog.Options{Recover: true}),
		a.authMiddleware,
	)
}

// Start serves in the background.
func (a *APIServer) Start() {
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("Starting relay API")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("Relay API error")
		}
	}()
}

// Shutdown stops the server gracefully.
func (a *APIServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(a.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	exhttp.WriteJSONResponse(w, status, errorResponse{ErrCode: code, Error: msg})
}

func (a *APIServer) gateway(r *http.Request) *Gateway {
	instance := r.URL.Query().Get("instance")
	if instance == "" {
		instance = a.defaultInstance
	}
	return a.manager.Gateway(instance)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid JSON body")
		return false
	}
	return true
}

func (a *APIServer) writeSendResult(w http.ResponseWriter, r *http.Request, messageID string, err error) {
	switch {
	case err == nil:
		exhttp.WriteJSONResponse(w, http.StatusOK, map[string]string{"messageId": messageID})
	case errors.Is(err, ErrNotConnected):
		writeError(w, http.StatusConflict, "NOT_CONNECTED", err.Error())
	case errors.Is(err, ErrEmptyTarget), errors.Is(err, ErrEmptyBody):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	default:
		hlog.FromRequest(r).Warn().Err(err).Msg("Outbound command failed")
		writeError(w, http.StatusBadGateway, "SEND_FAILED", err.Error())
	}
}

func (a *APIServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, a.gateway(r).Status())
}

func (a *APIServer) HandleInstances(w http.ResponseWriter, _ *http.Request) {
	names := a.manager.Instances()
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, a.manager.Gateway(name).Status())
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, statuses)
}

type qrResponse struct {
	QRCode    *string `json:"qrCode"`
	Connected bool    `json:"connected"`
}

func (a *APIServer) HandleQR(w http.ResponseWriter, r *http.Request) {
	gw := a.gateway(r)
	code, err := gw.QRCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNKNOWN", err.Error())
		return
	}
	resp := qrResponse{Connected: gw.Status().Connected}
	if code != "" {
		resp.QRCode = &code
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

func (a *APIServer) HandleQRImage(w http.ResponseWriter, r *http.Request) {
	code, err := a.gateway(r).QRCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNKNOWN", err.Error())
		return
	}
	if code == "" {
		writeError(w, http.StatusNotFound, "NO_QR_CODE", "no pairing code pending")
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNKNOWN", err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (a *APIServer) HandleConnect(w http.ResponseWriter, r *http.Request) {
	gw := a.gateway(r)
	if err := gw.Connect(); err != nil {
		writeError(w, http.StatusInternalServerError, "UNKNOWN", err.Error())
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusAccepted, gw.Status())
}

type sendRequest struct {
	To          string `json:"to"`
	Text        string `json:"text"`
	ImageURL    string `json:"imageUrl"`
	DocumentURL string `json:"documentUrl"`
	Caption     string `json:"caption"`
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
}

func (a *APIServer) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.gateway(r).SendText(r.Context(), req.To, req.Text)
	a.writeSendResult(w, r, id, err)
}

func (a *APIServer) HandleSendImage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.gateway(r).SendImage(r.Context(), req.To, req.ImageURL, req.Caption)
	a.writeSendResult(w, r, id, err)
}

func (a *APIServer) HandleSendDocument(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.gateway(r).SendDocument(r.Context(), req.To, req.DocumentURL, req.FileName, req.MimeType)
	a.writeSendResult(w, r, id, err)
}

type markReadRequest struct {
	Chat        string `json:"chat"`
	Participant string `json:"participant"`
	MessageID   string `json:"messageId"`
}

func (a *APIServer) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := a.gateway(r).MarkRead(r.Context(), req.Chat, req.Participant, req.MessageID)
	a.writeSendResult(w, r, req.MessageID, err)
}

func (a *APIServer) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	gw := a.gateway(r)
	if err := gw.Disconnect(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "UNKNOWN", err.Error())
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, gw.Status())
}

type outboxEntryResponse struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
	Dead      bool   `json:"dead"`
}

func (a *APIServer) HandleOutbox(w http.ResponseWriter, r *http.Request) {
	if a.outbox == nil {
		writeError(w, http.StatusNotFound, "OUTBOX_DISABLED", "outbox is not enabled")
		return
	}
	entries, err := a.outbox.Entries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "UNKNOWN", err.Error())
		return
	}
	resp := make([]outboxEntryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, outboxEntryResponse{
			MessageID: entry.Envelope.MessageID,
			From:      entry.Envelope.From,
			Attempts:  entry.Attempts,
			LastError: entry.LastError,
			Dead:      entry.Dead,
		})
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}
