package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krmetrics"
	"github.com/koradi/koradi/internal/krregistry"
	"github.com/koradi/koradi/internal/krstore"
)

const (
	// Generous to leave room for inline image data.
	MaxBodySize = 10 << 20

	contentTypeJSON = "application/json; charset=utf-8"
)

const (
	MessageLangAdded         = "Language added."
	MessageLangRemoved       = "Language removed."
	MessageMessageDeleted    = "Message deleted."
	MessageMessageUpdated    = "Message updated."
	MessageTokenRegistered   = "Token registered."
	MessageTokenUnregistered = "Token unregistered."
)

type ServerConfig struct {
	AdminAPIKey        string
	Port               int
	RateLimitBurst     int
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	TLSCertFile        string
	TLSKeyFile         string

	// Peers in these networks may set `X-Forwarded-For` for rate limiting.
	TrustedProxies []*net.IPNet
}

type Server struct {
	config     *ServerConfig
	httpServer *http.Server
	logger     *logrus.Logger
	name       string
	registry   krregistry.Registry
	router     *mux.Router
	store      krstore.MessageStore
}

func NewServer(logger *logrus.Logger, store krstore.MessageStore, registry krregistry.Registry,
	config *ServerConfig,
) *Server {
	server := &Server{
		config:   config,
		logger:   logger,
		name:     reflect.TypeOf(Server{}).Name(),
		registry: registry,
		store:    store,
	}

	rateLimiter := NewRateLimitMiddleware(config.RateLimitPerMinute, config.RateLimitBurst, config.TrustedProxies)

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logger: logger}).Wrapper)
	router.Use((&MetricsMiddleware{}).Wrapper)
	router.Use(NewTimeoutMiddleware(config.RequestTimeout).Wrapper)
	router.Use((&SecurityHeadersMiddleware{}).Wrapper)
	router.Use((&CORSMiddleware{}).Wrapper)

	router.Handle("/", server.wrapEndpoint(server.handleIndex)).Methods(http.MethodGet)
	router.Handle("/health", server.wrapEndpoint(server.handleHealth)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(rateLimiter.Wrapper)
	api.Handle("/messages/{lang}", server.wrapEndpoint(server.handleListMessages)).Methods(http.MethodGet)
	api.Handle("/register/{token}", server.wrapEndpoint(server.handleRegisterToken)).Methods(http.MethodPost)
	api.Handle("/get_langs/{token}", server.wrapEndpoint(server.handleGetLangs)).Methods(http.MethodGet)
	api.Handle("/add_langs/{token}", server.wrapEndpoint(server.handleAddLang)).Methods(http.MethodPatch)
	api.Handle("/remove_langs/{token}", server.wrapEndpoint(server.handleRemoveLang)).Methods(http.MethodPatch)
	api.Handle("/unregister/{token}", server.wrapEndpoint(server.handleUnregisterToken)).Methods(http.MethodDelete)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(rateLimiter.Wrapper)
	admin.Use((&APIKeyMiddleware{apiKey: config.AdminAPIKey}).Wrapper)
	admin.Handle("/api/messages", server.wrapEndpoint(server.handleCreateMessage)).Methods(http.MethodPost)
	admin.Handle("/api/messages", server.wrapEndpoint(server.handleEditMessage)).Methods(http.MethodPatch)
	admin.Handle("/api/messages/{id}", server.wrapEndpoint(server.handleDeleteMessage)).Methods(http.MethodDelete)
	admin.Handle("/api/tokens", server.wrapEndpoint(server.handleListTokens)).Methods(http.MethodGet)

	// Registered last so that it only catches preflight requests that no
	// other route accepts.
	router.PathPrefix("/").Methods(http.MethodOptions).Handler(server.wrapEndpoint(server.handleOptions))

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

// Start listens until ctx is done, then shuts down gracefully. TLS is used if
// both a certificate and key file are configured.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Infof(s.name+": Listening on %s (TLS)", s.httpServer.Addr)
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Infof(s.name+": Listening on %s", s.httpServer.Addr)
			err = s.httpServer.ListenAndServe()
		}

		if !errors.Is(err, http.ErrServerClosed) {
			errChan <- xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
			return
		}
		errChan <- nil
	}()

	select {
	case err := <-errChan:
		return err

	case <-ctx.Done():
	}

	s.logger.Infof(s.name + ": Received shutdown signal; draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return xerrors.Errorf("error shutting down server: %w", err)
	}

	return <-errChan
}

//
// Endpoints
//

func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusOK, []byte("hello"), http.Header{
		"Content-Type": []string{"text/plain; charset=utf-8"},
	}), nil
}

func (s *Server) handleHealth(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return newJSONResponse(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOptions(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusNoContent, nil, nil), nil
}

func (s *Server) handleListMessages(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	lang, err := krstore.ParseLang(mux.Vars(r)["lang"])
	if err != nil {
		return nil, NewServerError(http.StatusBadRequest, err.Error())
	}

	messages, err := s.store.ListByLang(ctx, lang)
	if err != nil {
		return nil, xerrors.Errorf("error listing messages: %w", err)
	}

	return newJSONResponse(http.StatusOK, messages)
}

type createMessageRequest struct {
	Content       string             `json:"content"`
	Expires       krstore.Expiration `json:"expires"`
	ImageData     string             `json:"image_data"`
	ImageMimeType string             `json:"image_mime_type"`
	ImageURL      string             `json:"image_url"`
	Lang          krstore.Lang       `json:"lang"`
	Title         string             `json:"title"`
}

func (s *Server) handleCreateMessage(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var req createMessageRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return nil, err
	}

	newMessage := &krstore.NewMessage{
		Content:       req.Content,
		Expires:       req.Expires,
		ImageData:     req.ImageData,
		ImageMimeType: req.ImageMimeType,
		ImageURL:      req.ImageURL,
		Lang:          req.Lang,
		Title:         req.Title,
	}
	if err := newMessage.Validate(); err != nil {
		return nil, NewServerError(http.StatusBadRequest, err.Error())
	}

	message, err := s.store.Create(ctx, newMessage)
	if err != nil {
		return nil, xerrors.Errorf("error creating message: %w", err)
	}

	krmetrics.MessagesCreated.WithLabelValues(message.Lang.String()).Inc()
	return newJSONResponse(http.StatusOK, message)
}

type editMessageRequest struct {
	Content  string    `json:"content"`
	ID       uuid.UUID `json:"id"`
	ImageURL string    `json:"image_url"`
	Title    string    `json:"title"`
}

func (s *Server) handleEditMessage(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var req editMessageRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return nil, err
	}

	edit := &krstore.MessageEdit{
		Content:  req.Content,
		ID:       req.ID,
		ImageURL: req.ImageURL,
		Title:    req.Title,
	}
	if err := edit.Validate(); err != nil {
		return nil, NewServerError(http.StatusBadRequest, err.Error())
	}

	if err := s.store.Edit(ctx, edit); err != nil {
		if errors.Is(err, krstore.ErrMessageNotFound) {
			return nil, NewServerError(http.StatusNotFound, ErrMessageMessageNotFound)
		}
		return nil, xerrors.Errorf("error editing message: %w", err)
	}

	return newJSONMessageResponse(http.StatusOK, MessageMessageUpdated)
}

func (s *Server) handleDeleteMessage(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageIDInvalid)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, krstore.ErrMessageNotFound) {
			return nil, NewServerError(http.StatusNotFound, ErrMessageMessageNotFound)
		}
		return nil, xerrors.Errorf("error deleting message: %w", err)
	}

	krmetrics.MessagesDeleted.Inc()
	return newJSONMessageResponse(http.StatusOK, MessageMessageDeleted)
}

func (s *Server) handleRegisterToken(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	if err := s.registry.Register(ctx, mux.Vars(r)["token"]); err != nil {
		return nil, xerrors.Errorf("error registering token: %w", err)
	}

	return newJSONMessageResponse(http.StatusCreated, MessageTokenRegistered)
}

func (s *Server) handleGetLangs(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	langs, err := s.registry.Langs(ctx, mux.Vars(r)["token"])
	if err != nil {
		return nil, registryError(err)
	}

	return newJSONResponse(http.StatusOK, langs)
}

type langRequest struct {
	Lang krstore.Lang `json:"lang"`
}

func (s *Server) handleAddLang(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	lang, err := decodeLangRequest(r)
	if err != nil {
		return nil, err
	}

	if err := s.registry.AddLang(ctx, mux.Vars(r)["token"], lang); err != nil {
		return nil, registryError(err)
	}

	return newJSONMessageResponse(http.StatusOK, MessageLangAdded)
}

func (s *Server) handleRemoveLang(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	lang, err := decodeLangRequest(r)
	if err != nil {
		return nil, err
	}

	if err := s.registry.RemoveLang(ctx, mux.Vars(r)["token"], lang); err != nil {
		return nil, registryError(err)
	}

	return newJSONMessageResponse(http.StatusOK, MessageLangRemoved)
}

func (s *Server) handleUnregisterToken(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	if err := s.registry.Unregister(ctx, mux.Vars(r)["token"]); err != nil {
		return nil, registryError(err)
	}

	return newJSONMessageResponse(http.StatusOK, MessageTokenUnregistered)
}

func (s *Server) handleListTokens(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	infos, err := s.registry.List(ctx)
	if err != nil {
		return nil, xerrors.Errorf("error listing tokens: %w", err)
	}

	return newJSONResponse(http.StatusOK, infos)
}

//
// Helpers
//

type ServerResponse struct {
	Body       []byte
	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body []byte, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

func newJSONResponse(statusCode int, v any) (*ServerResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Errorf("error marshaling response: %w", err)
	}

	return NewServerResponse(statusCode, body, nil), nil
}

func newJSONMessageResponse(statusCode int, message string) (*ServerResponse, error) {
	return newJSONResponse(statusCode, map[string]string{"message": message})
}

func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		w.Header().Set("Content-Type", contentTypeJSON)

		resp, err := h(r.Context(), r)
		if err != nil {
			var serverErr *ServerError
			if !errors.As(err, &serverErr) {
				s.logger.WithError(err).Errorf(s.name+": Internal error on %s %s", r.Method, r.URL.Path)
				serverErr = NewServerError(http.StatusInternalServerError, ErrMessageInternalError)
			}

			body, _ := json.Marshal(serverErr)

			ctxContainer.StatusCode = serverErr.StatusCode
			w.WriteHeader(serverErr.StatusCode)
			_, _ = w.Write(body)
			return
		}

		for k, vs := range resp.Header {
			w.Header()[k] = vs
		}

		statusCode := resp.StatusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}

		ctxContainer.StatusCode = statusCode
		w.WriteHeader(statusCode)
		_, _ = w.Write(resp.Body)
	})
}

func decodeJSONBody(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, MaxBodySize)
	defer body.Close()

	err := json.NewDecoder(body).Decode(v)
	if err == nil {
		return nil
	}

	var (
		expErr      *krstore.UnknownExpirationError
		langErr     *krstore.UnknownLangError
		maxBytesErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &maxBytesErr):
		return NewServerError(http.StatusRequestEntityTooLarge, ErrMessageBodyTooLarge)
	case errors.As(err, &expErr):
		return NewServerError(http.StatusBadRequest, expErr.Error())
	case errors.As(err, &langErr):
		return NewServerError(http.StatusBadRequest, langErr.Error())
	}

	return NewServerError(http.StatusBadRequest, ErrMessageBodyUnparseable)
}

func decodeLangRequest(r *http.Request) (krstore.Lang, error) {
	var req langRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return "", err
	}

	// A missing field decodes to the empty string, which isn't a language.
	lang, err := krstore.ParseLang(string(req.Lang))
	if err != nil {
		return "", NewServerError(http.StatusBadRequest, err.Error())
	}

	return lang, nil
}

func registryError(err error) error {
	switch {
	case errors.Is(err, krregistry.ErrTokenNotFound):
		return NewServerError(http.StatusNotFound, ErrMessageTokenNotFound)
	case errors.Is(err, krregistry.ErrLangNotFound):
		return NewServerError(http.StatusNotFound, ErrMessageLangNotRegistered)
	}
	return xerrors.Errorf("error accessing token registry: %w", err)
}
