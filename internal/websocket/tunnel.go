// Package websocket tunnels protocol-upgrade requests to backends that
// terminate their own socket. The gateway splices bytes after the handshake
// and never parses frames on this path.
package websocket

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skyfleet/gateway/internal/health"
	"github.com/skyfleet/gateway/internal/logging"
	"github.com/skyfleet/gateway/internal/middleware"
	"github.com/skyfleet/gateway/internal/proxy"
	"github.com/skyfleet/gateway/internal/registry"
	"github.com/skyfleet/gateway/internal/router"
)

// IsUpgradeRequest reports whether the request asks for a websocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// Tunnel splices hijacked client connections onto backend instances.
type Tunnel struct {
	registry     *registry.Client
	observations *health.Log
	dialTimeout  time.Duration
	idleGrace    time.Duration
}

// NewTunnel creates a tunnel over the registry client.
func NewTunnel(reg *registry.Client, obs *health.Log) *Tunnel {
	return &Tunnel{
		registry:     reg,
		observations: obs,
		dialTimeout:  10 * time.Second,
		idleGrace:    time.Second,
	}
}

// Serve hijacks the client connection, replays the upgrade handshake against
// a discovered instance, and splices both directions until either side
// closes. The identity stamp travels on the handshake headers only.
func (t *Tunnel) Serve(w http.ResponseWriter, r *http.Request, m *router.Match, fa *proxy.ForwardAuth) {
	route := m.Route

	inst, err := t.registry.Pick(route.Backend)
	if err != nil {
		http.Error(w, "no healthy backend", http.StatusServiceUnavailable)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}

	backendConn, err := net.DialTimeout("tcp", inst.HostPort(), t.dialTimeout)
	if err != nil {
		t.observations.Record(health.Observation{
			Backend:    route.Backend,
			InstanceID: inst.ID,
			Outcome:    health.ClassifyError(err),
		})
		http.Error(w, "backend unreachable", http.StatusBadGateway)
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		backendConn.Close()
		logging.Warn("hijack failed", zap.Error(err))
		return
	}
	defer clientConn.Close()
	defer backendConn.Close()

	if err := t.writeHandshake(backendConn, r, route, inst, fa); err != nil {
		logging.Warn("upgrade handshake relay failed",
			zap.String("backend", route.Backend),
			zap.Error(err),
		)
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}

	// Relay the backend's response verbatim. Anything other than 101 still
	// goes back to the client as-is, then both sides close.
	backendBuf := bufio.NewReader(backendConn)
	resp, err := http.ReadResponse(backendBuf, r)
	if err != nil {
		t.observations.Record(health.Observation{
			Backend:    route.Backend,
			InstanceID: inst.ID,
			Outcome:    health.OutcomeRefused,
		})
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}
	if err := resp.Write(clientConn); err != nil {
		return
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return
	}

	t.observations.Record(health.Observation{
		Backend:    route.Backend,
		InstanceID: inst.ID,
		Outcome:    health.OutcomeOK,
	})

	errCh := make(chan error, 2)
	go splice(backendConn, drainedReader(clientBuf.Reader, clientConn), errCh)
	go splice(clientConn, drainedReader(backendBuf, backendConn), errCh)

	<-errCh

	// Give the other direction a moment to flush, then force both closed.
	clientConn.SetDeadline(time.Now().Add(t.idleGrace))
	backendConn.SetDeadline(time.Now().Add(t.idleGrace))
}

// writeHandshake replays the client's upgrade request line and headers to
// the backend, minus client identity headers, plus the gateway's own stamp.
func (t *Tunnel) writeHandshake(backendConn net.Conn, r *http.Request, route *router.Route, inst *registry.Instance, fa *proxy.ForwardAuth) error {
	path := route.StripPrefix(r.URL.Path)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	header := make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		header[k] = vv
	}
	header.Del(proxy.HeaderAuthSubject)
	header.Del(proxy.HeaderAuthUsername)
	header.Del(proxy.HeaderAuthRoles)
	header.Del(proxy.HeaderAuthPermissions)
	if fa != nil {
		header.Set(proxy.HeaderAuthSubject, fa.SubjectID)
		header.Set(proxy.HeaderAuthUsername, fa.Username)
		if len(fa.Roles) > 0 {
			header.Set(proxy.HeaderAuthRoles, strings.Join(fa.Roles, ","))
		}
		if len(fa.Permissions) > 0 {
			header.Set(proxy.HeaderAuthPermissions, strings.Join(fa.Permissions, ","))
		}
	}
	if id := middleware.GetRequestID(r); id != "" {
		header.Set(middleware.HeaderRequestID, id)
	}

	var sb strings.Builder
	sb.WriteString(r.Method + " " + path + " HTTP/1.1\r\n")
	sb.WriteString("Host: " + inst.HostPort() + "\r\n")
	for key, values := range header {
		if key == "Host" {
			continue
		}
		for _, v := range values {
			sb.WriteString(key + ": " + v + "\r\n")
		}
	}
	sb.WriteString("\r\n")

	_, err := io.WriteString(backendConn, sb.String())
	return err
}

func splice(dst io.Writer, src io.Reader, errCh chan<- error) {
	_, err := io.Copy(dst, src)
	errCh <- err
}

// drainedReader chains any bytes already buffered during the handshake read
// in front of the raw connection.
func drainedReader(buf *bufio.Reader, conn net.Conn) io.Reader {
	if n := buf.Buffered(); n > 0 {
		return io.MultiReader(io.LimitReader(buf, int64(n)), conn)
	}
	return conn
}
