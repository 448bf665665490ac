// Package httpserver exposes the HTTP surface for quotes, symbol search, and
// the trade-command channel.
package httpserver

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/domain/commandstore"
	"github.com/quotedesk/quotedesk/internal/order"
	"github.com/quotedesk/quotedesk/internal/quote"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	pollPath = "/poll"

	commandsPath        = "/commands"
	commandDetailPrefix = commandsPath + "/"

	connectionsPath        = "/connections"
	connectionDetailPrefix = connectionsPath + "/"

	quotesPath        = "/quotes"
	quoteDetailPrefix = quotesPath + "/"

	symbolsPath = "/symbols"
	statusPath  = "/status"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	hub     *quote.Hub
	channel *order.Channel
}

// NewHandler creates the HTTP handler serving both the quote and the
// trade-command surfaces.
func NewHandler(hub *quote.Hub, channel *order.Channel) http.Handler {
	server := &httpServer{hub: hub, channel: channel}
	mux := http.NewServeMux()

	mux.Handle(pollPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.pollCommands,
		http.MethodPost: server.reportResult,
	}))

	mux.Handle(commandsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitCommand,
	}))
	mux.Handle(commandDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getCommand,
		http.MethodDelete: server.cancelCommand,
	}))

	mux.Handle(connectionDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getConnection,
	}))

	mux.Handle(quoteDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getQuote,
	}))
	mux.Handle(symbolsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.searchSymbols,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type commandPayload struct {
	ID             string           `json:"id"`
	ConnectionID   string           `json:"connectionId"`
	Type           string           `json:"type"`
	Symbol         string           `json:"symbol"`
	Volume         decimal.Decimal  `json:"volume"`
	Price          decimal.Decimal  `json:"price"`
	Stop           *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"takeProfit,omitempty"`
	Comment        string           `json:"comment,omitempty"`
	State          string           `json:"state"`
	CreatedAt      time.Time        `json:"createdAt"`
	SentAt         *time.Time       `json:"sentAt,omitempty"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	Ticket         *int64           `json:"ticket,omitempty"`
	ExecutedPrice  *decimal.Decimal `json:"executedPrice,omitempty"`
	ExecutedVolume *decimal.Decimal `json:"executedVolume,omitempty"`
	ErrorCode      *int             `json:"errorCode,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
}

func commandToPayload(cmd commandstore.Command) commandPayload {
	return commandPayload{
		ID:             cmd.ID,
		ConnectionID:   cmd.ConnectionID,
		Type:           cmd.Type,
		Symbol:         cmd.Symbol,
		Volume:         cmd.Volume,
		Price:          cmd.Price,
		Stop:           cmd.Stop,
		TakeProfit:     cmd.TakeProfit,
		Comment:        cmd.Comment,
		State:          string(cmd.State),
		CreatedAt:      cmd.CreatedAt,
		SentAt:         cmd.SentAt,
		CompletedAt:    cmd.CompletedAt,
		Ticket:         cmd.Ticket,
		ExecutedPrice:  cmd.ExecutedPrice,
		ExecutedVolume: cmd.ExecutedVolume,
		ErrorCode:      cmd.ErrorCode,
		ErrorMessage:   cmd.ErrorMessage,
	}
}

func (s *httpServer) pollCommands(w http.ResponseWriter, r *http.Request) {
	connectionID := strings.TrimSpace(r.URL.Query().Get("connection_id"))
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id required")
		return
	}
	commands, err := s.channel.Poll(r.Context(), connectionID)
	if err != nil {
		writeChannelError(w, err)
		return
	}
	payload := make([]commandPayload, 0, len(commands))
	for _, cmd := range commands {
		payload = append(payload, commandToPayload(cmd))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "commands": payload})
}

type resultPayload struct {
	CommandID string          `json:"command_id"`
	Ticket    int64           `json:"ticket"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Code      int             `json:"code"`
	Message   string          `json:"message,omitempty"`
}

func (s *httpServer) reportResult(w http.ResponseWriter, r *http.Request) {
	connectionID := strings.TrimSpace(r.URL.Query().Get("connection_id"))
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id required")
		return
	}
	limitRequestBody(w, r)
	var payload resultPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	result := commandstore.Result{
		CommandID:      strings.TrimSpace(payload.CommandID),
		Ticket:         payload.Ticket,
		ExecutedPrice:  payload.Price,
		ExecutedVolume: payload.Volume,
		Code:           payload.Code,
		Message:        payload.Message,
	}
	if err := s.channel.Report(r.Context(), connectionID, result); err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type draftPayload struct {
	ConnectionID string           `json:"connectionId"`
	Type         string           `json:"type"`
	Symbol       string           `json:"symbol"`
	Volume       decimal.Decimal  `json:"volume"`
	Price        decimal.Decimal  `json:"price"`
	Stop         *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"takeProfit,omitempty"`
	Comment      string           `json:"comment,omitempty"`
}

func (s *httpServer) submitCommand(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload draftPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	cmd, err := s.channel.Submit(r.Context(), order.Draft{
		ConnectionID: payload.ConnectionID,
		Type:         payload.Type,
		Symbol:       payload.Symbol,
		Volume:       payload.Volume,
		Price:        payload.Price,
		Stop:         payload.Stop,
		TakeProfit:   payload.TakeProfit,
		Comment:      payload.Comment,
	})
	if err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commandToPayload(cmd))
}

func (s *httpServer) getCommand(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, commandDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "command id required")
		return
	}
	cmd, err := s.channel.Observe(r.Context(), id)
	if err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandToPayload(cmd))
}

func (s *httpServer) cancelCommand(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, commandDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "command id required")
		return
	}
	if err := s.channel.Cancel(r.Context(), id); err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *httpServer) getConnection(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, connectionDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "connection id required")
		return
	}
	conn, err := s.channel.Connection(r.Context(), id)
	if err != nil {
		writeChannelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectionId": conn.ConnectionID,
		"lastPolledAt": conn.LastPolledAt,
		"totalSent":    conn.TotalSent,
		"successful":   conn.Successful,
		"failed":       conn.Failed,
		"isConnected":  conn.IsConnected,
	})
}

func (s *httpServer) getQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.Trim(strings.TrimPrefix(r.URL.Path, quoteDetailPrefix), "/")
	if symbol == "" {
		writeError(w, http.StatusNotFound, "symbol required")
		return
	}
	normalized, err := quote.NormalizeSymbol(symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	update, ok := s.hub.LastPrice(normalized)
	if !ok {
		writeError(w, http.StatusNotFound, "no quote for "+normalized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"quote": update,
		"live":  s.hub.Live(normalized),
	})
}

func (s *httpServer) searchSymbols(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	matches, err := s.hub.SearchSymbols(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	symbols := make([]string, 0, 16)
	for symbol := range matches {
		symbols = append(symbols, symbol)
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connection": s.hub.State().String()})
}

// writeChannelError maps channel error kinds onto HTTP statuses. Storage
// failures surface as 500 so the consumer backs off and retries.
func writeChannelError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.KindInvalidCommand, errs.KindInvalidSymbol:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.KindStorageUnavailable:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
