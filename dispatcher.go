package ftp

import (
	"log/slog"
	"strings"
)

// markExpectation describes the preliminary ("mark") reply a command
// expects before its terminal reply, and the terminal code that should be
// silently swallowed once the mark has arrived — the mechanism that lets
// a data transfer's completion be signaled by the data socket closing
// rather than by the control connection's "226 Transfer complete".
type markExpectation struct {
	marks     map[int]bool
	ignore    int
	hasIgnore bool
}

// cmdResult is what a queued command resolves to: either a terminal
// Response, or the mark Response for a command that expects one.
type cmdResult struct {
	resp *Response
	err  error
}

// command is a line queued for dispatch plus its completion callback.
// onDone is invoked at most once per command, from inside the
// dispatcher's single goroutine, so it never needs its own locking.
type command struct {
	line   string
	mark   *markExpectation
	onDone func(cmdResult)

	// markDelivered is set once onDone has been called for this command's
	// mark reply, so a terminal reply that doesn't match the expected
	// ignore code (e.g. a 426 after a 150) pops the queue without
	// invoking onDone a second time.
	markDelivered bool
}

// Dispatcher serializes commands onto a ControlChannel, exactly one in
// flight at a time, and runs the implicit feature/auth negotiation ahead
// of the first command issued against an unauthenticated session. All of
// its mutable state — the queue, the in-flight flag, auth state — is
// owned by a single goroutine (run), so no mutex guards it; external
// callers reach it only through Execute/ExecuteExpectingMark, which hand
// off a request over a channel and block on a private result channel.
type Dispatcher struct {
	cc     *ControlChannel
	logger *slog.Logger

	user string
	pass string

	enqueueCh chan *command
	queryCh   chan func(*Dispatcher)
	quit      chan struct{}

	onTimeout func()
	onError   func(error)

	// goroutine-owned state below; touched only inside run().
	queue          []*command
	inProgress     bool
	ignoreNextCode int
	hasIgnoreNext  bool

	authenticated  bool
	authenticating bool
	deferred       []*command

	features     map[string]struct{}
	system       string
	transferType byte
	useList      bool
}

func newDispatcher(cc *ControlChannel, user, pass string, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		cc:        cc,
		logger:    logger,
		user:      user,
		pass:      pass,
		enqueueCh: make(chan *command),
		queryCh:   make(chan func(*Dispatcher)),
		quit:      make(chan struct{}),
		features:  map[string]struct{}{},
	}
	go d.run()
	return d
}

// Execute queues line and blocks until its terminal reply arrives.
func (d *Dispatcher) Execute(line string) (*Response, error) {
	return d.submit(&command{line: line})
}

// ExecuteExpectingMark queues line and blocks until a reply matching
// marks arrives (the command stays queued afterward, occupying the
// in-flight slot until ignoreCode is swallowed in the background — the
// caller does not wait for that). If the server fails the command before
// any mark is seen, the terminal error reply is returned instead.
func (d *Dispatcher) ExecuteExpectingMark(line string, marks []int, ignoreCode int) (*Response, error) {
	set := make(map[int]bool, len(marks))
	for _, m := range marks {
		set[m] = true
	}
	return d.submit(&command{
		line: line,
		mark: &markExpectation{marks: set, ignore: ignoreCode, hasIgnore: true},
	})
}

func (d *Dispatcher) submit(cmd *command) (*Response, error) {
	result := make(chan cmdResult, 1)
	cmd.onDone = func(r cmdResult) { result <- r }

	select {
	case d.enqueueCh <- cmd:
	case <-d.quit:
		return nil, &UsageError{Message: "session is closed"}
	}

	r := <-result
	return r.resp, r.err
}

// query runs fn inside run() and returns its result, respecting the
// single-writer invariant over dispatcher state.
func query[T any](d *Dispatcher, fn func(*Dispatcher) T) T {
	var zero T
	result := make(chan T, 1)
	select {
	case d.queryCh <- func(dd *Dispatcher) { result <- fn(dd) }:
	case <-d.quit:
		return zero
	}
	return <-result
}

// Authenticated reports whether the implicit auth chain has completed
// successfully.
func (d *Dispatcher) Authenticated() bool {
	return query(d, func(dd *Dispatcher) bool { return dd.authenticated })
}

// Authenticating reports whether the implicit auth chain is currently
// running, so an explicit Session.Auth call can refuse to start a second
// one concurrently.
func (d *Dispatcher) Authenticating() bool {
	return query(d, func(dd *Dispatcher) bool { return dd.authenticating })
}

// HasFeature reports whether the server's cached FEAT reply advertised
// feature (case-insensitively). Triggers no I/O.
func (d *Dispatcher) HasFeature(feature string) bool {
	return query(d, func(dd *Dispatcher) bool {
		_, ok := dd.features[strings.ToLower(feature)]
		return ok
	})
}

// System returns the cached SYST reply text, lowercased, or "" if SYST
// has not run yet.
func (d *Dispatcher) System() string {
	return query(d, func(dd *Dispatcher) string { return dd.system })
}

// TransferType returns the last TYPE successfully set ('A' or 'I'), or 0
// if none has been set yet.
func (d *Dispatcher) TransferType() byte {
	return query(d, func(dd *Dispatcher) byte { return dd.transferType })
}

// SetTransferTypeCache records t as the last TYPE set, so a future
// SetType call for the same type can skip the round trip. Called by
// Session after a successful TYPE command.
func (d *Dispatcher) SetTransferTypeCache(t byte) {
	select {
	case d.queryCh <- func(dd *Dispatcher) { dd.transferType = t }:
	case <-d.quit:
	}
}

// UseList reports whether Session.Ls has fallen back to LIST because
// STAT isn't usable against this server.
func (d *Dispatcher) UseList() bool {
	return query(d, func(dd *Dispatcher) bool { return dd.useList })
}

// SetUseList latches the LIST fallback for the remainder of the session.
func (d *Dispatcher) SetUseList() {
	select {
	case d.queryCh <- func(dd *Dispatcher) { dd.useList = true }:
	case <-d.quit:
	}
}

// Close stops the dispatcher goroutine and fails every queued command.
func (d *Dispatcher) Close() {
	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
}

func isAuthVerb(line string) bool {
	verb, _, _ := strings.Cut(line, " ")
	switch strings.ToUpper(verb) {
	case "FEAT", "SYST", "USER", "PASS":
		return true
	}
	return false
}

func (d *Dispatcher) run() {
	for {
		select {
		case cmd := <-d.enqueueCh:
			d.handleEnqueue(cmd)
		case q := <-d.queryCh:
			q(d)
		case resp := <-d.cc.Responses():
			d.handleResponse(resp)
		case err := <-d.cc.Errors():
			d.handleTransportError(err)
		case <-d.cc.Timeouts():
			if d.onTimeout != nil {
				d.onTimeout()
			}
		case <-d.quit:
			d.failAllQueued(&UsageError{Message: "session is closed"})
			return
		}
	}
}

func (d *Dispatcher) handleEnqueue(cmd *command) {
	if err := d.ensureConnected(); err != nil {
		cmd.onDone(cmdResult{err: err})
		if d.onError != nil {
			d.onError(err)
		}
		return
	}
	if d.authenticated || isAuthVerb(cmd.line) {
		d.appendAndPump(cmd)
		return
	}
	if d.authenticating {
		d.deferred = append(d.deferred, cmd)
		return
	}
	d.authenticating = true
	d.authFeat(cmd)
}

// ensureConnected reconnects the control channel in place if it isn't
// currently writable. Connect tears down the previous socket and retires
// the previous parser; a successful reconnect clears authenticated so the
// next non-auth command re-runs the implicit auth chain before the
// command that triggered the reconnect is actually sent.
func (d *Dispatcher) ensureConnected() error {
	if d.cc.Writable() {
		return nil
	}
	if _, err := d.cc.Connect(nil); err != nil {
		return err
	}
	d.authenticated = false
	return nil
}

func (d *Dispatcher) appendAndPump(cmd *command) {
	d.queue = append(d.queue, cmd)
	d.pump()
}

func (d *Dispatcher) pump() {
	if d.inProgress || len(d.queue) == 0 {
		return
	}
	cmd := d.queue[0]
	d.inProgress = true
	if err := d.cc.Send(cmd.line); err != nil {
		d.queue = d.queue[1:]
		d.inProgress = false
		cmd.onDone(cmdResult{err: err})
		if d.onError != nil {
			d.onError(err)
		}
		d.pump()
	}
}

// handleResponse pairs an incoming reply with the head of the queue: drop
// unsolicited replies, never advance the queue on the 220 greeting,
// deliver marks exactly once while keeping the command queued, and
// silently swallow the terminal reply a mark-expecting command armed via
// its ignore code.
func (d *Dispatcher) handleResponse(r *Response) {
	if len(d.queue) == 0 {
		return
	}
	if r.Code == 220 {
		return
	}

	head := d.queue[0]

	if r.IsMark {
		if head.mark == nil || !head.mark.marks[r.Code] {
			return
		}
		head.onDone(cmdResult{resp: r})
		head.markDelivered = true
		if head.mark.hasIgnore {
			d.hasIgnoreNext = true
			d.ignoreNextCode = head.mark.ignore
		}
		return
	}

	if d.hasIgnoreNext && r.Code == d.ignoreNextCode {
		d.hasIgnoreNext = false
		d.queue = d.queue[1:]
		d.inProgress = false
		d.pump()
		return
	}

	d.queue = d.queue[1:]
	d.inProgress = false
	if !head.markDelivered {
		if r.IsError {
			head.onDone(cmdResult{resp: r, err: &ProtocolError{Command: head.line, Response: r.Text, Code: r.Code}})
		} else {
			head.onDone(cmdResult{resp: r})
		}
	}
	d.pump()
}

func (d *Dispatcher) handleTransportError(err error) {
	d.authenticated = false
	if d.onError != nil {
		d.onError(err)
	}
	d.failAllQueued(err)
}

func (d *Dispatcher) failAllQueued(err error) {
	for _, cmd := range d.queue {
		cmd.onDone(cmdResult{err: err})
	}
	d.queue = nil
	d.inProgress = false
	d.hasIgnoreNext = false

	if d.authenticating {
		d.authenticating = false
		deferred := d.deferred
		d.deferred = nil
		for _, cmd := range deferred {
			cmd.onDone(cmdResult{err: err})
		}
	}
}

// --- implicit auth chain ---

func (d *Dispatcher) authFeat(original *command) {
	d.appendAndPump(&command{line: "FEAT", onDone: func(res cmdResult) {
		if res.err == nil && res.resp != nil {
			d.features = parseFeatureLines(res.resp.Lines)
		} else {
			d.features = map[string]struct{}{}
		}
		d.authSyst(original)
	}})
}

func (d *Dispatcher) authSyst(original *command) {
	d.appendAndPump(&command{line: "SYST", onDone: func(res cmdResult) {
		if res.err == nil && res.resp.Code == 215 {
			d.system = strings.ToLower(res.resp.Text)
		}
		d.authUser(original)
	}})
}

func (d *Dispatcher) authUser(original *command) {
	d.appendAndPump(&command{line: "USER " + d.user, onDone: func(res cmdResult) {
		if res.err != nil {
			d.failAuth(original, res.err)
			return
		}
		switch res.resp.Code {
		case 230:
			d.authSetType(original)
		case 331, 332:
			d.authPass(original)
		default:
			d.failAuth(original, &ProtocolError{Command: "USER", Response: res.resp.Text, Code: res.resp.Code})
		}
	}})
}

func (d *Dispatcher) authPass(original *command) {
	d.appendAndPump(&command{line: "PASS " + d.pass, onDone: func(res cmdResult) {
		if res.err != nil {
			d.failAuth(original, res.err)
			return
		}
		switch res.resp.Code {
		case 230, 202:
			d.authenticated = true
			d.authSetType(original)
		case 332:
			d.authAcct(original)
		default:
			d.failAuth(original, &ProtocolError{Command: "PASS", Response: res.resp.Text, Code: res.resp.Code})
		}
	}})
}

// authAcct is best-effort: RFC 959 ACCT support is rare enough that the
// system this was distilled from never resolved the triggering command
// from here, which left a caller hanging forever when a server actually
// required it. This implementation resolves that instead of reproducing
// it: a 2xx reply is treated as authenticated, anything else surfaces as
// a usage error on the original command rather than hanging.
func (d *Dispatcher) authAcct(original *command) {
	d.appendAndPump(&command{line: `ACCT ""`, onDone: func(res cmdResult) {
		if res.err == nil && res.resp.Code >= 200 && res.resp.Code < 300 {
			d.authenticated = true
			d.authSetType(original)
			return
		}
		d.failAuth(original, &UsageError{Message: "server requires an account (ACCT) this client cannot supply"})
	}})
}

func (d *Dispatcher) authSetType(original *command) {
	d.appendAndPump(&command{line: "TYPE I", onDone: func(res cmdResult) {
		if res.err == nil {
			d.transferType = 'I'
		}
		d.finishAuth(original)
	}})
}

func (d *Dispatcher) finishAuth(original *command) {
	d.authenticating = false
	deferred := d.deferred
	d.deferred = nil

	d.appendAndPump(original)
	for _, cmd := range deferred {
		d.appendAndPump(cmd)
	}
}

func (d *Dispatcher) failAuth(original *command, err error) {
	d.authenticating = false
	deferred := d.deferred
	d.deferred = nil

	original.onDone(cmdResult{err: err})
	for _, cmd := range deferred {
		cmd.onDone(cmdResult{err: err})
	}
}

// parseFeatureLines parses a FEAT reply's body (minus the opening and
// closing framing lines) into a lowercased set of feature names.
func parseFeatureLines(lines []string) map[string]struct{} {
	features := map[string]struct{}{}
	if len(lines) < 2 {
		return features
	}
	for _, line := range lines[1 : len(lines)-1] {
		name := strings.ToLower(strings.TrimSpace(line))
		if name == "" {
			continue
		}
		features[name] = struct{}{}
	}
	return features
}
