// Package proxy forwards client traffic to workspace containers, for both
// plain HTTP requests and upgraded WebSocket connections.
package proxy

import (
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/term-world/hub/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The authenticating front proxy is the trust boundary; origins vary by
	// deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Forwarder proxies traffic for resolved workspaces and keeps the registry's
// activity bookkeeping current.
type Forwarder struct {
	registry *registry.Registry

	// onStale is invoked when a proxied request finds its backend
	// unreachable; the workspace is presumed gone and should be evicted.
	onStale func(user string)
}

// NewForwarder creates a Forwarder. onStale is called with the owning user
// whenever a backend turns out to be unreachable mid-session.
func NewForwarder(reg *registry.Registry, onStale func(user string)) *Forwarder {
	return &Forwarder{registry: reg, onStale: onStale}
}

// ServeHTTP proxies one plain HTTP request to the user's workspace. Backend
// failures redirect the client to /login to re-provision.
func (f *Forwarder) ServeHTTP(user string, ws registry.Workspace, w http.ResponseWriter, r *http.Request) {
	target, err := url.Parse(fmt.Sprintf("http://%s:%d", ws.Address, ws.Port))
	if err != nil {
		http.Error(w, "internal error: bad workspace target", http.StatusInternalServerError)
		return
	}

	reverseProxy := httputil.NewSingleHostReverseProxy(target)
	reverseProxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
		log.Printf("[PROXY] Backend for '%s' unreachable at %s: %v", user, target, proxyErr)
		if f.onStale != nil {
			f.onStale(user)
		}
		http.Redirect(rw, req, "/login", http.StatusFound)
	}
	// Only a backend that actually answered counts as activity; a dead
	// backend must not refresh the idle countdown while it is being evicted.
	reverseProxy.ModifyResponse = func(*http.Response) error {
		f.registry.Touch(user)
		return nil
	}

	reverseProxy.ServeHTTP(w, r)
}

// ServeWebSocket upgrades the client connection and tunnels it to the user's
// workspace. The open tunnel is counted against the workspace, and inbound
// frames refresh its activity stamp.
func (f *Forwarder) ServeWebSocket(user string, ws registry.Workspace, w http.ResponseWriter, r *http.Request) {
	backendURL := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", ws.Address, ws.Port),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	backend, resp, err := websocket.DefaultDialer.Dial(backendURL.String(), forwardHeaders(r))
	if err != nil {
		log.Printf("[PROXY] WebSocket dial to workspace of '%s' failed: %v", user, err)
		if resp != nil {
			resp.Body.Close()
		}
		if f.onStale != nil {
			f.onStale(user)
		}
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	defer backend.Close()

	// Echo the subprotocol the backend settled on, if any.
	var responseHeader http.Header
	if resp != nil {
		if protocol := resp.Header.Get("Sec-WebSocket-Protocol"); protocol != "" {
			responseHeader = http.Header{"Sec-WebSocket-Protocol": {protocol}}
		}
	}

	client, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade writes its own error response.
		log.Printf("[PROXY] WebSocket upgrade for '%s' failed: %v", user, err)
		return
	}
	defer client.Close()

	f.registry.AddConnection(user)
	defer f.registry.DropConnection(user)

	errc := make(chan error, 2)

	// Client -> backend carries user input; every frame counts as activity.
	go func() {
		for {
			messageType, message, err := client.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			f.registry.Touch(user)
			if err := backend.WriteMessage(messageType, message); err != nil {
				errc <- err
				return
			}
		}
	}()

	go func() {
		for {
			messageType, message, err := backend.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			if err := client.WriteMessage(messageType, message); err != nil {
				errc <- err
				return
			}
		}
	}()

	err = <-errc
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("[PROXY] WebSocket tunnel for '%s' closed: %v", user, err)
	}
}

// forwardHeaders selects the client headers worth carrying to the backend
// dial. Hop-by-hop and handshake headers are left for the dialer to manage.
func forwardHeaders(r *http.Request) http.Header {
	headers := http.Header{}
	for _, name := range []string{"Cookie", "Origin", "User-Agent", "X-Forwarded-For", "X-Forwarded-Proto"} {
		if value := r.Header.Get(name); value != "" {
			headers.Set(name, value)
		}
	}
	if protocols := r.Header.Get("Sec-WebSocket-Protocol"); protocols != "" {
		headers.Set("Sec-WebSocket-Protocol", strings.TrimSpace(protocols))
	}
	return headers
}
