package git

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ryanmoran/gitgate/internal"
)

// Pinger reports whether the execution engine is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type GatewayOptions struct {
	// DisablePush refuses git-receive-pack in both phases.
	DisablePush bool

	// Health, when set, is consulted by GET /health.
	Health Pinger
}

// Gateway is the HTTP surface: the Smart HTTP routes, repository registration
// and a health check.
type Gateway struct {
	advertiser *Advertiser
	proxy      *Proxy
	registry   *Registry
	options    GatewayOptions
	logger     zerolog.Logger
	router     chi.Router
}

func NewGateway(advertiser *Advertiser, proxy *Proxy, registry *Registry, options GatewayOptions, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		advertiser: advertiser,
		proxy:      proxy,
		registry:   registry,
		options:    options,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(
		controllerHandler,
		hlog.NewHandler(logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.MethodHandler("method"),
		hlog.URLHandler("url"),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
	)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})

	r.Get("/health", g.health)
	r.Post("/repos/{name}/init", g.initRepository)
	r.Get("/{repo}/info/refs", g.infoRefs)
	r.Post("/{repo}/git-upload-pack", g.rpc(UploadPack))
	r.Post("/{repo}/git-receive-pack", g.rpc(ReceivePack))

	g.router = r
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) infoRefs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("service")
	service, err := ParseService(token)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	name, err := g.locate(r)
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	if service == ReceivePack && g.options.DisablePush {
		g.renderError(w, r, ErrPushDisabled)
		return
	}

	adv, err := g.advertiser.Advertise(r.Context(), name, token, AdvertiseOptions{
		GitProtocol: gitProtocol(r),
		SessionID:   string(internal.SessionFromContext(r.Context()).ID()),
	})
	if err != nil {
		g.renderError(w, r, err)
		return
	}

	setNoCache(w.Header())
	w.Header().Set("Content-Type", adv.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(adv.Body); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("failed to write advertisement")
	}
}

func (g *Gateway) rpc(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)

		name, err := g.locate(r)
		if err != nil {
			g.renderError(w, r, err)
			return
		}

		if service == ReceivePack && g.options.DisablePush {
			g.renderError(w, r, ErrPushDisabled)
			return
		}

		if ct := r.Header.Get("Content-Type"); ct != "" {
			mediaType, _, err := mime.ParseMediaType(ct)
			if err != nil || mediaType != service.RequestContentType() {
				http.Error(w, "Unsupported media type", http.StatusUnsupportedMediaType)
				return
			}
		}

		body, err := requestBody(r)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode request body")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		defer body.Close()

		rc := controller(r, w)
		if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Debug().Err(err).Msg("failed to enable full duplex")
		}

		out := &streamWriter{w: w, rc: rc, contentType: service.ResultContentType()}
		result, err := g.proxy.Exchange(r.Context(), ExchangeRequest{
			Repo:        name,
			Service:     service,
			Body:        body,
			GitProtocol: gitProtocol(r),
			SessionID:   string(internal.SessionFromContext(r.Context()).ID()),
			Interrupt: func() {
				if err := rc.SetReadDeadline(time.Now()); err != nil {
					logger.Debug().Err(err).Msg("failed to interrupt request body")
				}
			},
		}, out)

		switch {
		case err == nil:
			// A backend that produced nothing still owes the client its headers.
			out.start()
		case !out.started && result.BytesOut == 0 && StatusCode(err) != 0:
			g.renderError(w, r, err)
		default:
			// Part of the response is already on the wire; the client must see a
			// truncated transfer rather than a clean end of stream. The abort
			// skips the access log, so record the request here.
			status := 0
			if out.started {
				status = http.StatusOK
			}
			logger.Warn().
				Err(err).
				Int("status", status).
				Int64("size", result.BytesOut).
				Bool("aborted", true).
				Msg("request")
			panic(http.ErrAbortHandler)
		}
	}
}

type initResponse struct {
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (g *Gateway) initRepository(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, initResponse{Status: "error", Error: "invalid repository name"})
		return
	}

	loc, err := g.registry.Create(name)
	if err != nil {
		status := StatusCode(err)
		if status == http.StatusInternalServerError && ValidateName(name) != nil {
			status = http.StatusBadRequest
		}
		hlog.FromRequest(r).Warn().Err(err).Str("repo", name).Msg("failed to create repository")
		writeJSON(w, status, initResponse{Status: "error", Error: http.StatusText(status)})
		return
	}

	hlog.FromRequest(r).Info().Str("repo", name).Str("path", loc.Path).Msg("created repository")
	writeJSON(w, http.StatusCreated, initResponse{Status: "created", Path: loc.Path})
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	if g.options.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := g.options.Health.Ping(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// renderError sends the status for err with a fixed message. Details, backend
// stderr in particular, only go to the log.
func (g *Gateway) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	event := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		event = hlog.FromRequest(r).Error()
	}
	event.Err(err).Int("status", status).Msg("request failed")

	var message string
	switch status {
	case http.StatusNotFound:
		message = "Repository not found"
	case http.StatusBadRequest:
		message = "Invalid service"
	case http.StatusForbidden:
		message = "Push is disabled"
	default:
		message = http.StatusText(status)
	}
	http.Error(w, message, status)
}

// locate extracts the repository name from the request and checks that it
// names an existing repository, so that every route answers 404 for a missing
// repository before any other validation.
func (g *Gateway) locate(r *http.Request) (string, error) {
	name, err := repoName(r)
	if err != nil {
		return "", err
	}
	if _, err := g.proxy.resolver.Resolve(name); err != nil {
		return "", err
	}
	return name, nil
}

// repoName extracts the repository name from a "<name>.git" path segment.
func repoName(r *http.Request) (string, error) {
	segment := chi.URLParam(r, "repo")
	name, ok := strings.CutSuffix(segment, BareSuffix)
	if !ok {
		return "", &NotFoundError{Name: segment, Reason: "missing " + BareSuffix + " suffix"}
	}

	name, err := url.PathUnescape(name)
	if err != nil {
		return "", &NotFoundError{Name: segment, Err: err}
	}
	return name, nil
}

var gitProtocolPattern = regexp.MustCompile(`^version=[0-9](:version=[0-9])*$`)

// gitProtocol returns the Git-Protocol header when it is well formed.
func gitProtocol(r *http.Request) string {
	value := r.Header.Get("Git-Protocol")
	if !gitProtocolPattern.MatchString(value) {
		return ""
	}
	return value
}

func requestBody(r *http.Request) (io.ReadCloser, error) {
	switch strings.ToLower(r.Header.Get("Content-Encoding")) {
	case "", "identity":
		return r.Body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		return zr, nil
	default:
		return nil, errors.New("unsupported content encoding " + r.Header.Get("Content-Encoding"))
	}
}

func setNoCache(h http.Header) {
	h.Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// streamWriter commits the success headers on the first write and flushes
// every write, so pack data reaches the client as the backend produces it.
type streamWriter struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	contentType string
	started     bool
}

func (s *streamWriter) start() {
	if s.started {
		return
	}
	s.started = true

	setNoCache(s.w.Header())
	s.w.Header().Set("Content-Type", s.contentType)
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.start()

	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

type controllerKey struct{}

// controllerHandler captures a ResponseController for the connection's own
// writer before other middleware wraps it, so deadlines and full duplex mode
// stay reachable from handlers.
func controllerHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), controllerKey{}, http.NewResponseController(w))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func controller(r *http.Request, w http.ResponseWriter) *http.ResponseController {
	if rc, ok := r.Context().Value(controllerKey{}).(*http.ResponseController); ok {
		return rc
	}
	return http.NewResponseController(w)
}
