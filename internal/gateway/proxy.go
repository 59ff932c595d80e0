package gateway

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request id back to the caller.
const RequestIDHeader = "X-Request-Id"

// Proxy is the authenticating reverse proxy in front of the worker.
type Proxy struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewProxy creates a proxy with a pooled upstream client. A nil logger
// uses slog.Default().
func NewProxy(cfg Config, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.UpstreamHeaderTimeout,
	}
	return &Proxy{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			// Redirects belong to the caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Close releases idle upstream connections.
func (p *Proxy) Close() {
	p.client.CloseIdleConnections()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set(RequestIDHeader, requestID)
	logger := p.logger.With("request_id", requestID, "method", r.Method, "path", r.URL.Path)

	original := r.URL.EscapedPath()
	destination := p.cfg.destinationPath(original)

	if r.Host == "" {
		logger.Warn("Rejected request without host header")
		http.Error(w, "Missing host header", http.StatusBadRequest)
		return
	}
	if !isValidHost(r.Host, p.cfg.TrustedHosts) {
		logger.Warn("Rejected request with untrusted host", "host", r.Host)
		http.Error(w, "Invalid host header", http.StatusForbidden)
		return
	}

	if p.cfg.APIKey != "" {
		if status, msg, ok := p.authenticate(r); !ok {
			logger.Warn("Rejected unauthenticated request", "reason", msg)
			http.Error(w, msg, status)
			return
		}
	}

	if p.cfg.isDenied(destination) {
		logger.Debug("Refused denied path", "destination", destination)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	target := buildUpstreamURL(p.cfg.UpstreamURL, destination, r.URL.RawQuery)
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		logger.Error("Failed to build upstream request", "error", err)
		http.Error(w, fmt.Sprintf("Upstream error: %v", err), http.StatusBadGateway)
		return
	}
	outReq.ContentLength = r.ContentLength
	copyRequestHeaders(outReq.Header, r.Header)
	outReq.Header.Set("Authorization", "Bearer "+p.cfg.ForwardedAuthToken.String())

	resp, err := p.client.Do(outReq)
	if err != nil {
		logger.Error("Upstream request failed", "error", err, "duration", time.Since(start))
		http.Error(w, fmt.Sprintf("Upstream error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if isEventStream(resp.Header.Get("Content-Type")) {
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		n := streamResponse(w, resp.Body, logger)
		logger.Info("Proxied event stream", "status", resp.StatusCode, "bytes", n, "duration", time.Since(start))
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("Failed to read upstream response", "error", err, "status", resp.StatusCode)
		http.Error(w, "Error reading upstream response", http.StatusInternalServerError)
		return
	}
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, bytes.NewReader(body))
	logger.Info("Proxied request", "status", resp.StatusCode, "bytes", n, "duration", time.Since(start))
}

// authenticate checks the caller's bearer token against the API key.
func (p *Proxy) authenticate(r *http.Request) (int, string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return http.StatusUnauthorized, "Missing authorization header", false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(p.cfg.APIKey)) != 1 {
		return http.StatusUnauthorized, "Invalid or missing authorization token", false
	}
	return 0, "", true
}

// copyRequestHeaders copies inbound headers except the ones the proxy owns.
func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if strings.EqualFold(key, "Host") || strings.EqualFold(key, "Authorization") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

// streamResponse copies body to w, flushing after every chunk so tokens
// reach the caller as the worker produces them. Headers are already sent,
// so a failure can only be logged and the stream cut short.
func streamResponse(w http.ResponseWriter, body io.Reader, logger *slog.Logger) int64 {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	var total int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				logger.Warn("Caller went away during event stream", "error", writeErr, "bytes", total)
				return total
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return total
		}
		if err != nil {
			logger.Error("Failed to read upstream event stream", "error", err, "bytes", total)
			return total
		}
	}
}
