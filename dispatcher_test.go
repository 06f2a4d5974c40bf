package ftp

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// scriptedServer answers each command line with the reply script[verb],
// or a generic 500 if the verb is unscripted. It runs until conn is
// closed or an unscripted extra reply channel is drained.
func scriptedServer(t *testing.T, conn net.Conn, script map[string]string, extra <-chan string) {
	t.Helper()
	go func() {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			verb, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
			resp, ok := script[strings.ToUpper(verb)]
			if !ok {
				resp = "500 Unknown command.\r\n"
			}
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()
	if extra != nil {
		go func() {
			for line := range extra {
				conn.Write([]byte(line))
			}
		}()
	}
}

func newTestDispatcher(t *testing.T, script map[string]string, extra <-chan string) (*Dispatcher, func()) {
	t.Helper()
	client, server := net.Pipe()

	cc := newControlChannel("test", "21", &net.Dialer{}, 0, nil)
	cc.conn = client
	cc.parser = &ResponseParser{}
	cc.writable = true
	go cc.readLoop(client, cc.parser)

	scriptedServer(t, server, script, extra)

	d := newDispatcher(cc, "anonymous", "anonymous@", nil)
	return d, func() {
		d.Close()
		client.Close()
		server.Close()
	}
}

func baseAuthScript() map[string]string {
	return map[string]string{
		"FEAT": "211-Features:\r\n MDTM\r\n SIZE\r\n211 End\r\n",
		"SYST": "215 UNIX Type: L8\r\n",
		"USER": "230 Logged in.\r\n",
		"TYPE": "200 Type set to I.\r\n",
	}
}

func TestDispatcherImplicitAuthChain(t *testing.T) {
	script := baseAuthScript()
	script["NOOP"] = "200 NOOP ok.\r\n"
	d, cleanup := newTestDispatcher(t, script, nil)
	defer cleanup()

	resp, err := d.Execute("NOOP")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Code != 200 {
		t.Errorf("Code = %d, want 200", resp.Code)
	}
	if !d.Authenticated() {
		t.Error("expected Authenticated() to be true")
	}
	if !d.HasFeature("mdtm") {
		t.Error("expected HasFeature(mdtm) to be true")
	}
	if !strings.Contains(d.System(), "unix") {
		t.Errorf("System() = %q, want it to contain unix", d.System())
	}
	if d.TransferType() != 'I' {
		t.Errorf("TransferType() = %q, want I", d.TransferType())
	}
}

func TestDispatcherAuthWithPasswordPrompt(t *testing.T) {
	script := map[string]string{
		"FEAT": "211-Features:\r\n211 End\r\n",
		"SYST": "215 UNIX Type: L8\r\n",
		"USER": "331 Password required.\r\n",
		"PASS": "230 Logged in.\r\n",
		"TYPE": "200 Type set to I.\r\n",
		"NOOP": "200 NOOP ok.\r\n",
	}
	d, cleanup := newTestDispatcher(t, script, nil)
	defer cleanup()

	if _, err := d.Execute("NOOP"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !d.Authenticated() {
		t.Error("expected Authenticated() to be true")
	}
}

func TestDispatcherAuthFailurePropagatesToDeferred(t *testing.T) {
	script := map[string]string{
		"FEAT": "211-Features:\r\n211 End\r\n",
		"SYST": "215 UNIX Type: L8\r\n",
		"USER": "530 Login incorrect.\r\n",
	}
	d, cleanup := newTestDispatcher(t, script, nil)
	defer cleanup()

	results := make(chan error, 2)
	go func() {
		_, err := d.Execute("NOOP")
		results <- err
	}()
	go func() {
		_, err := d.Execute("PWD")
		results <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err == nil {
				t.Error("expected an error for both deferred commands")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deferred command to fail")
		}
	}
	if d.Authenticated() {
		t.Error("expected Authenticated() to be false after a failed login")
	}
}

func TestDispatcherMarkThenIgnoredTerminalReply(t *testing.T) {
	script := baseAuthScript()
	script["STOR"] = "150 Opening data connection.\r\n"
	script["NOOP"] = "200 NOOP ok.\r\n"
	extra := make(chan string, 1)
	d, cleanup := newTestDispatcher(t, script, extra)
	defer cleanup()

	resp, err := d.ExecuteExpectingMark("STOR file.txt", []int{125, 150}, 226)
	if err != nil {
		t.Fatalf("ExecuteExpectingMark: %v", err)
	}
	if resp.Code != 150 {
		t.Fatalf("Code = %d, want 150", resp.Code)
	}

	extra <- "226 Transfer complete.\r\n"

	// The dispatcher only advances its queue once the 226 is swallowed;
	// this blocks until that has happened.
	noopResp, err := d.Execute("NOOP")
	if err != nil {
		t.Fatalf("Execute(NOOP) after mark: %v", err)
	}
	if noopResp.Code != 200 {
		t.Errorf("Code = %d, want 200", noopResp.Code)
	}
}

func TestDispatcherErrorReplyBecomesProtocolError(t *testing.T) {
	script := baseAuthScript()
	script["DELE"] = "550 No such file.\r\n"
	d, cleanup := newTestDispatcher(t, script, nil)
	defer cleanup()

	_, err := d.Execute("DELE missing.txt")
	if err == nil {
		t.Fatal("expected an error")
	}
	perr, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("err = %T, want *ProtocolError", err)
	}
	if !perr.Is5xx() {
		t.Errorf("expected a 5xx error, got code %d", perr.Code)
	}
}

// TestDispatcherReconnectsOnDeadSocket exercises the enqueue-time
// reconnect path: once the control socket has gone dead, the next
// Execute call must reconnect in place (fresh socket, fresh parser,
// authenticated cleared and re-derived) rather than failing outright.
func TestDispatcherReconnectsOnDeadSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	script := baseAuthScript()
	script["NOOP"] = "200 NOOP ok.\r\n"

	serveOne := func(dropAfterNoop bool) {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)
		send := func(s string) { w.WriteString(s); w.Flush() }
		send("220 Welcome\r\n")

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			verb, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
			resp, ok := script[strings.ToUpper(verb)]
			if !ok {
				resp = "500 Unknown command.\r\n"
			}
			send(resp)
			if dropAfterNoop && strings.ToUpper(verb) == "NOOP" {
				return
			}
		}
	}
	go func() {
		serveOne(true)
		serveOne(false)
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	cc := newControlChannel(host, port, &net.Dialer{}, 2*time.Second, nil)
	if _, err := cc.Connect(nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d := newDispatcher(cc, "anonymous", "anonymous@", nil)
	defer d.Close()
	defer cc.Close()

	if _, err := d.Execute("NOOP"); err != nil {
		t.Fatalf("Execute(NOOP) before drop: %v", err)
	}
	if !d.Authenticated() {
		t.Fatal("expected Authenticated() to be true after the first handshake")
	}

	// The server closes the connection right after that NOOP; wait for
	// the dispatcher to observe the transport error before proceeding.
	deadline := time.After(2 * time.Second)
	for d.Authenticated() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the dispatcher to notice the dropped connection")
		case <-time.After(10 * time.Millisecond):
		}
	}

	resp, err := d.Execute("NOOP")
	if err != nil {
		t.Fatalf("Execute(NOOP) after reconnect: %v", err)
	}
	if resp.Code != 200 {
		t.Errorf("Code = %d, want 200", resp.Code)
	}
	if !d.Authenticated() {
		t.Error("expected Authenticated() to be true again after reconnecting")
	}
	if !cc.Writable() {
		t.Error("expected the control channel to be writable after reconnecting")
	}
}
