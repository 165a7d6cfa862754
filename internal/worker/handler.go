package worker

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/swproxy/config"
	edgeerrors "github.com/wudi/swproxy/internal/errors"
	"github.com/wudi/swproxy/internal/logging"
	"github.com/wudi/swproxy/internal/middleware"
	"github.com/wudi/swproxy/internal/network"
)

// ServeHTTP routes an incoming request through the active worker.
// Uncontrolled and cross-origin requests are forwarded unchanged. A
// propagated cache-first failure aborts the client connection unless the
// worker is configured to answer 502.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	wreq := req.Clone(ctx)
	wreq.URL = network.RequestURL(req, r.origin)
	wreq.RequestURI = ""

	active := r.active.Load()
	if active == nil {
		middleware.SetPolicy(ctx, "uncontrolled")
		r.forward(w, wreq)
		return
	}

	resp, err := active.Dispatch(ctx, wreq)
	switch {
	case err == nil:
		writeResponse(w, resp)
	case errors.Is(err, ErrPassthrough):
		r.forward(w, wreq)
	case errors.Is(err, ErrNotActive):
		middleware.SetPolicy(ctx, "uncontrolled")
		r.forward(w, wreq)
	case active.Options().OnFailure == config.OnFailureBadGateway:
		edgeerrors.ErrBadGateway.
			WithDetails(err.Error()).
			WithRequestID(middleware.GetRequestID(req)).
			WriteJSON(w)
	default:
		logging.Debug("Aborting request after fetch failure",
			zap.String("url", wreq.URL.String()),
			zap.Error(err),
		)
		panic(http.ErrAbortHandler)
	}
}

// forward fetches req without any cache interaction.
func (r *Registration) forward(w http.ResponseWriter, req *http.Request) {
	resp, err := r.deps.Fetcher.Fetch(req.Context(), req)
	if err != nil {
		middleware.SetError(req.Context(), err)
		edgeerrors.ErrBadGateway.
			WithDetails(err.Error()).
			WithRequestID(middleware.GetRequestID(req)).
			WriteJSON(w)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	network.RemoveHopHeaders(dst)

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug("Response copy failed", zap.Error(err))
	}
}
