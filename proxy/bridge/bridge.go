// Package bridge implements the MITM Bridge: it terminates the
// client-facing TLS session with a minted leaf certificate, originates an
// upstream session with the real SNI, evaluates each request against the
// active ruleset, and either forwards or rejects it.
package bridge

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/nullbound/secproxy/cert"
	"github.com/nullbound/secproxy/internal/ruleset"
	"github.com/nullbound/secproxy/internal/rules"
	"github.com/nullbound/secproxy/internal/sni"
	"github.com/nullbound/secproxy/internal/trafficlog"
	"github.com/nullbound/secproxy/internal/upstream"
)

const (
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 60 * time.Second

	// headerReaderSize must be at least as large as the largest header
	// block firstRequest/readResponseHeader ever read (maxHeaderBytes /
	// maxResponseHeaderBytes), or bufio.Reader.ReadSlice returns
	// ErrBufferFull on a pathological unterminated line before either
	// limit is reached.
	headerReaderSize = 16 * 1024
)

// Bridge wires the CA, rule evaluator, traffic log, and upstream dialer
// together to handle one accepted connection at a time.
type Bridge struct {
	CA     cert.CA
	Rules  *ruleset.Store
	Log    *trafficlog.Writer
	Dialer *upstream.Dialer
	Logger *slog.Logger
}

// New returns a Bridge ready to handle connections.
func New(ca cert.CA, rulesStore *ruleset.Store, log *trafficlog.Writer, dialer *upstream.Dialer) *Bridge {
	return &Bridge{
		CA:     ca,
		Rules:  rulesStore,
		Log:    log,
		Dialer: dialer,
		Logger: slog.Default().With("component", "bridge"),
	}
}

// Handle is the per-connection entry point spawned once per accepted
// connection. It never panics out to the caller: any unexpected failure
// is recovered, logged, and treated as an internal error closing the
// connection.
func (b *Bridge) Handle(ctx context.Context, conn net.Conn) {
	connID := uuid.NewV4()
	logger := b.Logger.With("conn_id", connID, "remote", conn.RemoteAddr())

	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("recovered from panic", "panic", r)
		}
	}()

	peeked, err := sni.Peek(conn)
	if err != nil {
		// Unreadable connection: close silently, no log entry.
		return
	}

	logger.Debug("connection classified", "protocol", peeked.Protocol, "host", peeked.Host)

	switch peeked.Protocol {
	case sni.ProtocolTLS:
		b.handleTLS(ctx, peeked)
	default:
		b.handlePlain(ctx, peeked)
	}
}

func (b *Bridge) handleTLS(ctx context.Context, peeked *sni.Result) {
	host := peeked.Host
	snapshot := b.Rules.Current()

	tlsConn := tls.Server(peeked.Conn, &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return b.CA.GetCert(host)
		},
	})

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		b.logInternal(snapshot, host, "client_handshake")
		return
	}
	defer tlsConn.Close()

	hostDecision := rules.EvaluateHost(host, snapshot)

	if !hostDecision.Allow {
		// The SPEC_FULL optimisation: a host enforce-mode will reject
		// outright never pays for an upstream dial. The client handshake
		// above already happened (it needs to, to deliver a 403 over
		// TLS); only the dial is skipped.
		b.rejectFirstRequest(bufio.NewReaderSize(tlsConn, headerReaderSize), tlsConn, snapshot, host, hostDecision)
		return
	}

	b.serve(ctx, tlsConn, host, peeked.Port(), true)
}

func (b *Bridge) handlePlain(ctx context.Context, peeked *sni.Result) {
	host := peeked.Host
	b.serve(ctx, peeked.Conn, host, peeked.Port(), false)
}

// serve runs the per-connection state machine: it reads, evaluates, and
// logs each HTTP request on client individually, including every
// subsequent request on a keep-alive connection — one log entry per
// request, not just the first. Each iteration re-reads the ruleset
// snapshot (I4, P3): a reload that completes between two requests on the
// same keep-alive connection is observed by the next request, never the
// one already in flight. A Block on any request sends a 403 and
// ends the connection; an Allow
// forwards the request (and its body, if any) upstream and relays the
// matching response back — copyResponseBody alone handles genuinely
// unbounded transfers (a streaming download with no declared length) by
// copying until upstream closes, so nothing further needs splicing once
// it returns — then either loops for the next request or, once neither
// side wants to keep the connection alive, returns and lets the deferred
// closes tear the connection down.
func (b *Bridge) serve(ctx context.Context, conn net.Conn, host string, port int, isTLS bool) {
	client := idleConn{conn}
	br := bufio.NewReaderSize(client, headerReaderSize)

	var upstreamConn net.Conn
	var upstreamBR *bufio.Reader
	defer func() {
		if upstreamConn != nil {
			upstreamConn.Close()
		}
	}()

	for {
		req, raw, err := firstRequest(br)
		// Read the snapshot only once this request has arrived, so a reload
		// that completed while the connection sat idle is observed.
		snapshot := b.Rules.Current()
		if err != nil {
			if upstreamConn == nil {
				b.logInternal(snapshot, host, "request_parse")
			} else {
				logErr(b.Logger, err)
			}
			return
		}

		decision := rules.Evaluate(host, req.URL.RequestURI(), req.Method, snapshot)
		b.logDecision(snapshot, decision, host, req.URL.RequestURI(), req.Method)

		if !decision.Allow {
			writeForbidden(client, decision.Reason)
			return
		}

		if upstreamConn == nil {
			dialed, err := b.dialUpstream(ctx, host, port, isTLS)
			if err != nil {
				b.logUpstreamError(snapshot, host, req.URL.RequestURI(), req.Method, err)
				if !isTLS {
					writeBadGateway(client)
				}
				return
			}
			upstreamConn = idleConn{dialed}
			upstreamBR = bufio.NewReaderSize(upstreamConn, headerReaderSize)
		}

		if _, err := upstreamConn.Write(raw); err != nil {
			logErr(b.Logger, err)
			return
		}
		if err := copyRequestBody(upstreamConn, br, req); err != nil {
			logErr(b.Logger, err)
			return
		}

		resp, rawResp, err := readResponseHeader(upstreamBR, req)
		if err != nil {
			b.logInternal(snapshot, host, "response_parse")
			return
		}
		if _, err := client.Write(rawResp); err != nil {
			logErr(b.Logger, err)
			return
		}

		closeDelimited, err := copyResponseBody(client, upstreamBR, resp, req.Method)
		if err != nil {
			logErr(b.Logger, err)
			return
		}

		if closeDelimited || !isPersistent(req.Proto, req.Header) || !isPersistent(resp.Proto, resp.Header) {
			// Either side declined to keep the connection alive, or the
			// body's end was only the upstream closing — copyResponseBody
			// already copied it in full either way, so there is nothing
			// left to relay. The deferred upstreamConn.Close above (and the
			// caller's conn.Close) tear the connection down.
			return
		}
	}
}

// rejectFirstRequest reads just enough of the first request to log its
// method/path, then writes the already-decided Block response. Used on
// the host-pre-check fast path, where evaluating a path is moot because
// the host itself is already rejected.
func (b *Bridge) rejectFirstRequest(br *bufio.Reader, client net.Conn, snapshot *ruleset.Set, host string, decision rules.Decision) {
	req, _, err := firstRequest(br)
	method, path := "", ""
	if err == nil {
		method, path = req.Method, req.URL.RequestURI()
	}
	b.logDecision(snapshot, decision, host, path, method)
	writeForbidden(client, decision.Reason)
}

func (b *Bridge) dialUpstream(ctx context.Context, host string, port int, wantTLS bool) (net.Conn, error) {
	conn, err := b.Dialer.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	if !wantTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bridge: upstream tls handshake: %w", err)
	}
	return tlsConn, nil
}

func (b *Bridge) logDecision(snapshot *ruleset.Set, decision rules.Decision, host, path, method string) {
	action := trafficlog.ActionAllow
	if !decision.Allow {
		action = trafficlog.ActionBlock
	}
	b.Log.Append(trafficlog.Entry{
		Action: action,
		Mode:   string(snapshot.Mode),
		Host:   host,
		Path:   path,
		Method: method,
		Reason: decision.Reason,
	})
}

func (b *Bridge) logUpstreamError(snapshot *ruleset.Set, host, path, method string, err error) {
	b.Log.Append(trafficlog.Entry{
		Action: trafficlog.ActionBlock,
		Mode:   string(snapshot.Mode),
		Host:   host,
		Path:   path,
		Method: method,
		Reason: fmt.Sprintf("Upstream %s", classifyUpstreamErr(err)),
	})
}

func (b *Bridge) logInternal(snapshot *ruleset.Set, host, kind string) {
	b.Log.Append(trafficlog.Entry{
		Action: trafficlog.ActionBlock,
		Mode:   string(snapshot.Mode),
		Host:   host,
		Reason: "internal:" + kind,
	})
}

func classifyUpstreamErr(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connect error: " + err.Error()
}

func writeForbidden(w net.Conn, reason string) {
	body := reason
	resp := fmt.Sprintf("HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	_, _ = w.Write([]byte(resp))
}

func writeBadGateway(w net.Conn) {
	const body = "Bad Gateway"
	resp := fmt.Sprintf("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	_, _ = w.Write([]byte(resp))
}
