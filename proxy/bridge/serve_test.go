package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/nullbound/secproxy/internal/ruleset"
	"github.com/nullbound/secproxy/internal/trafficlog"
	"github.com/nullbound/secproxy/internal/upstream"
)

// startFakeUpstream accepts one connection and serves two HTTP/1.1
// responses off it in turn, each with an exact Content-Length, so its
// behavior is driven entirely by the wire format rather than net/http
// server plumbing.
func startFakeUpstream(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		br := bufio.NewReader(conn)
		for i := 0; i < 2; i++ {
			if _, err := br.ReadString('\n'); err != nil {
				return
			}
			for {
				hl, err := br.ReadString('\n')
				if err != nil || hl == "\r\n" {
					break
				}
			}
			body := "resp" + strconv.Itoa(i+1)
			resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()

	h, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return h, portNum
}

// TestServeEvaluatesEachKeepAliveRequestIndividually drives two requests
// over one client connection through serve's plaintext path and asserts
// each produces its own Allow log entry: every subsequent request on the
// same connection is individually evaluated and logged, not just the
// first.
func TestServeEvaluatesEachKeepAliveRequestIndividually(t *testing.T) {
	c := qt.New(t)

	host, port := startFakeUpstream(t)

	rulesStore := ruleset.NewStore()

	logPath := t.TempDir() + "/traffic.jsonl"
	logWriter, err := trafficlog.Open(logPath)
	c.Assert(err, qt.IsNil)
	defer logWriter.Close()

	b := New(nil, rulesStore, logWriter, upstream.NewDialer())

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		b.serve(context.Background(), serverSide, host, port, false)
		close(done)
	}()

	_, err = clientSide.Write([]byte("GET /allowed HTTP/1.1\r\nHost: " + host + "\r\n\r\n"))
	c.Assert(err, qt.IsNil)

	br := bufio.NewReader(clientSide)
	status1, err := br.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(strings.TrimSpace(status1), qt.Equals, "HTTP/1.1 200 OK")
	drainHeaders(c, br)
	body1 := make([]byte, len("resp1"))
	_, err = io.ReadFull(br, body1)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body1), qt.Equals, "resp1")

	_, err = clientSide.Write([]byte("GET /allowed HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n"))
	c.Assert(err, qt.IsNil)

	status2, err := br.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(strings.TrimSpace(status2), qt.Equals, "HTTP/1.1 200 OK")
	drainHeaders(c, br)
	body2 := make([]byte, len("resp2"))
	_, err = io.ReadFull(br, body2)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body2), qt.Equals, "resp2")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("serve never returned after Connection: close")
	}

	entries := readLogEntries(c, logPath)
	c.Assert(entries, qt.HasLen, 2)
	c.Assert(entries[0].Action, qt.Equals, trafficlog.ActionAllow)
	c.Assert(entries[0].Path, qt.Equals, "/allowed")
	c.Assert(entries[1].Action, qt.Equals, trafficlog.ActionAllow)
}

// TestServeObservesReloadBetweenKeepAliveRequests drives two requests over
// one keep-alive connection and reloads the ruleset to Enforce/no-match
// in between them. It asserts the first request (evaluated under the
// Monitor snapshot in effect when it arrived) is still forwarded, while
// the second (evaluated under the reloaded Enforce snapshot) is blocked —
// proving serve re-reads the snapshot per request rather than holding the
// one captured at connection start (I4, P3).
func TestServeObservesReloadBetweenKeepAliveRequests(t *testing.T) {
	c := qt.New(t)

	host, port := startFakeUpstream(t)

	rulesStore := ruleset.NewStore()

	logPath := t.TempDir() + "/traffic.jsonl"
	logWriter, err := trafficlog.Open(logPath)
	c.Assert(err, qt.IsNil)
	defer logWriter.Close()

	b := New(nil, rulesStore, logWriter, upstream.NewDialer())

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		b.serve(context.Background(), serverSide, host, port, false)
		close(done)
	}()

	_, err = clientSide.Write([]byte("GET /allowed HTTP/1.1\r\nHost: " + host + "\r\n\r\n"))
	c.Assert(err, qt.IsNil)

	br := bufio.NewReader(clientSide)
	status1, err := br.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(strings.TrimSpace(status1), qt.Equals, "HTTP/1.1 200 OK")
	drainHeaders(c, br)
	body1 := make([]byte, len("resp1"))
	_, err = io.ReadFull(br, body1)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body1), qt.Equals, "resp1")

	rulesPath := t.TempDir() + "/rules.json"
	c.Assert(os.WriteFile(rulesPath, []byte(`{"mode":"enforce","allowed_rules":[{"host":"other.example"}]}`), 0o644), qt.IsNil)
	c.Assert(rulesStore.Load(rulesPath), qt.IsNil)

	_, err = clientSide.Write([]byte("GET /allowed HTTP/1.1\r\nHost: " + host + "\r\n\r\n"))
	c.Assert(err, qt.IsNil)

	status2, err := br.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(strings.TrimSpace(status2), qt.Equals, "HTTP/1.1 403 Forbidden")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("serve never returned after the Block response")
	}

	entries := readLogEntries(c, logPath)
	c.Assert(entries, qt.HasLen, 2)
	c.Assert(entries[0].Action, qt.Equals, trafficlog.ActionAllow)
	c.Assert(entries[0].Mode, qt.Equals, string(ruleset.ModeMonitor))
	c.Assert(entries[1].Action, qt.Equals, trafficlog.ActionBlock)
	c.Assert(entries[1].Mode, qt.Equals, string(ruleset.ModeEnforce))
	c.Assert(entries[1].Reason, qt.Equals, "Host Not Allowed")
}

func drainHeaders(c *qt.C, br *bufio.Reader) {
	for {
		line, err := br.ReadString('\n')
		c.Assert(err, qt.IsNil)
		if line == "\r\n" {
			return
		}
	}
}

func readLogEntries(c *qt.C, path string) []trafficlog.Entry {
	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var entries []trafficlog.Entry
	for _, l := range lines {
		if l == "" {
			continue
		}
		var e trafficlog.Entry
		c.Assert(json.Unmarshal([]byte(l), &e), qt.IsNil)
		entries = append(entries, e)
	}
	return entries
}
