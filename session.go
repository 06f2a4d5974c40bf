package ftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corebyte/ftpsession/entries"
	"github.com/corebyte/ftpsession/internal/nfc"
	"github.com/corebyte/ftpsession/internal/ratelimit"
)

// Session is the client facade: one FTP control connection, its implicit
// auth chain, and the passive data transfers it drives. All exported
// methods are safe to call from any goroutine — they hand off to the
// Dispatcher's single owning goroutine rather than touching shared state
// directly.
type Session struct {
	host, port string

	user, pass   string
	forceUseList bool
	timeout      time.Duration
	idleTimeout  time.Duration
	logger       *slog.Logger
	dialer       *net.Dialer
	limiter      *ratelimit.Limiter

	keepAliveInterval time.Duration
	keepAliveQuit     chan struct{}
	keepAliveDone     chan struct{}

	cc   *ControlChannel
	disp *Dispatcher

	parsers []entries.Parser

	mu         sync.Mutex
	activeData net.Conn

	connectedCh chan struct{}
	progressCh  chan ProgressEvent
	errCh       chan error
	timeoutCh   chan struct{}
}

// Dial connects to addr ("host:port"), runs the greeting handshake, and
// returns a ready Session. The implicit auth chain (FEAT/SYST/USER/PASS)
// runs lazily, ahead of the first command that needs it — Dial itself
// issues no authentication.
func Dial(addr string, opts ...Option) (*Session, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ftp: %w", err)
	}

	s := &Session{
		host:              host,
		port:              port,
		user:              "anonymous",
		pass:              "@anonymous",
		dialer:            &net.Dialer{},
		timeout:           30 * time.Second,
		keepAliveInterval: 30 * time.Second,
		parsers:           entries.DefaultParsers(),
		connectedCh:       make(chan struct{}, 1),
		progressCh:        make(chan ProgressEvent, 64),
		errCh:             make(chan error, 4),
		timeoutCh:         make(chan struct{}, 4),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.dialer.Timeout = s.timeout

	s.cc = newControlChannel(s.host, s.port, s.dialer, s.timeout, s.logger)
	s.disp = newDispatcher(s.cc, s.user, s.pass, s.logger)
	s.disp.onTimeout = func() {
		select {
		case s.timeoutCh <- struct{}{}:
		default:
		}
	}
	s.disp.onError = func(err error) {
		select {
		case s.errCh <- err:
		default:
		}
	}

	if _, err := s.cc.Connect(nil); err != nil {
		return nil, err
	}
	select {
	case s.connectedCh <- struct{}{}:
	default:
	}

	s.startKeepAlive()
	return s, nil
}

// Connected returns a channel that receives once, after a successful Dial.
func (s *Session) Connected() <-chan struct{} { return s.connectedCh }

// Progress returns the channel Get/Put progress events are published on.
func (s *Session) Progress() <-chan ProgressEvent { return s.progressCh }

// Errors returns the channel transport-level errors are published on.
func (s *Session) Errors() <-chan error { return s.errCh }

// Timeouts returns the channel idle-read-timeout notifications are
// published on.
func (s *Session) Timeouts() <-chan struct{} { return s.timeoutCh }

func (s *Session) emitProgress(ev ProgressEvent) {
	select {
	case s.progressCh <- ev:
	default:
	}
}

// Auth eagerly drives the implicit auth chain to completion rather than
// waiting for the first real command to trigger it, and reports an error
// if one is already in flight — the one case where this client refuses a
// concurrent call outright instead of queueing it.
func (s *Session) Auth() error {
	if s.disp.Authenticating() {
		return &UsageError{Message: "authentication is already in progress"}
	}
	_, err := s.disp.Execute("NOOP")
	return err
}

// Raw sends an arbitrary command line and returns the server's terminal
// reply, for protocol extensions this package has no dedicated method for.
func (s *Session) Raw(cmd string, args ...string) (*Response, error) {
	line := cmd
	if len(args) > 0 {
		line = cmd + " " + strings.Join(args, " ")
	}
	return s.disp.Execute(strings.TrimSpace(line))
}

// HasFeature reports whether the server's FEAT reply advertised feature.
func (s *Session) HasFeature(feature string) bool {
	return s.disp.HasFeature(feature)
}

// SetType issues TYPE A or TYPE I, skipping the round trip if it is
// already the cached transfer type.
func (s *Session) SetType(t byte) error {
	if s.disp.TransferType() == t {
		return nil
	}
	if _, err := s.disp.Execute("TYPE " + string(t)); err != nil {
		return err
	}
	s.disp.SetTransferTypeCache(t)
	return nil
}

// beginTransfer enforces the single-passive-transfer-at-a-time rule,
// opens the data connection, and issues line expecting a 125/150 mark
// followed by a 226 the data socket's close makes redundant to wait for.
func (s *Session) beginTransfer(ctx context.Context, line string) (net.Conn, error) {
	s.mu.Lock()
	if s.activeData != nil {
		s.mu.Unlock()
		return nil, &UsageError{Message: "a passive transfer is already in progress"}
	}
	s.mu.Unlock()

	conn, err := s.openPassive(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.activeData = conn
	s.mu.Unlock()

	if _, err := s.disp.ExecuteExpectingMark(line, []int{125, 150}, 226); err != nil {
		conn.Close()
		s.mu.Lock()
		if s.activeData == conn {
			s.activeData = nil
		}
		s.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

func (s *Session) endTransfer(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	if s.activeData == conn {
		s.activeData = nil
	}
	s.mu.Unlock()
}

// dataTimeout reports whether err is the data connection's idle timeout
// firing, wrapping it into a TimeoutError and notifying Timeouts().
func (s *Session) dataTimeout(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		select {
		case s.timeoutCh <- struct{}{}:
		default:
		}
		return &TimeoutError{Context: op}
	}
	return err
}

// List issues LIST (or "LIST path" if path is non-empty) and returns the
// raw listing text.
func (s *Session) List(ctx context.Context, path string) (string, error) {
	line := "LIST"
	if path != "" {
		line = "LIST " + path
	}
	conn, err := s.beginTransfer(ctx, line)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	_, err = io.Copy(&buf, conn)
	s.endTransfer(conn)
	if err != nil {
		return "", s.dataTimeout("LIST", err)
	}
	return buf.String(), nil
}

// Get retrieves remote and streams it into w, applying any bandwidth
// limiter configured via WithBandwidthLimit and publishing progress events
// on Progress().
func (s *Session) Get(ctx context.Context, remote string, w io.Writer) error {
	if err := s.SetType('I'); err != nil {
		return err
	}
	conn, err := s.beginTransfer(ctx, "RETR "+remote)
	if err != nil {
		return err
	}
	defer s.endTransfer(conn)

	var r io.Reader = ratelimit.NewReader(conn, s.limiter)
	pr := &ProgressReader{Reader: r, Callback: func(n int64) {
		s.emitProgress(ProgressEvent{Filename: remote, Action: "get", Transferred: n})
	}}
	if _, err := io.Copy(w, pr); err != nil {
		return s.dataTimeout("RETR", err)
	}
	return nil
}

// Put stores r as remote, applying any bandwidth limiter configured via
// WithBandwidthLimit and publishing progress events on Progress().
func (s *Session) Put(ctx context.Context, remote string, r io.Reader) error {
	if err := s.SetType('I'); err != nil {
		return err
	}
	conn, err := s.beginTransfer(ctx, "STOR "+remote)
	if err != nil {
		return err
	}
	defer s.endTransfer(conn)

	var w io.Writer = ratelimit.NewWriter(conn, s.limiter)
	pw := &ProgressWriter{Writer: w, Callback: func(n int64) {
		s.emitProgress(ProgressEvent{Filename: remote, Action: "put", Transferred: n})
	}}
	if _, err := io.Copy(pw, r); err != nil {
		return s.dataTimeout("STOR", err)
	}
	return nil
}

// DownloadFile is a convenience wrapper around Get that creates local and
// removes the partial file if the transfer fails.
func (s *Session) DownloadFile(ctx context.Context, remote, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	if err := s.Get(ctx, remote, f); err != nil {
		f.Close()
		os.Remove(local)
		return err
	}
	return f.Close()
}

// UploadFile is a convenience wrapper around Put that opens local and
// rejects directories with a UsageError rather than sending them as file
// content.
func (s *Session) UploadFile(ctx context.Context, local, remote string) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &UsageError{Message: "local path cannot be a directory: " + local}
	}
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Put(ctx, remote, f)
}

// Ls lists path and returns structured entries, preferring STAT over LIST
// and falling back to LIST (latched for the rest of the session) the
// first time STAT either draws a 500/502 or the cached SYST reply
// identifies a server known to lie about STAT output.
func (s *Session) Ls(ctx context.Context, path string) ([]entries.Entry, error) {
	if s.forceUseList || s.disp.UseList() {
		return s.listEntries(ctx, path)
	}

	resp, err := s.disp.Execute(strings.TrimSpace("STAT " + path))
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) && (perr.Code == 500 || perr.Code == 502) {
			s.disp.SetUseList()
			return s.listEntries(ctx, path)
		}
		return nil, err
	}
	if strings.Contains(s.disp.System(), "hummingbird") {
		s.disp.SetUseList()
		return s.listEntries(ctx, path)
	}
	return s.normalizeEntries(entries.Parse(resp.Text, s.parsers)), nil
}

func (s *Session) listEntries(ctx context.Context, path string) ([]entries.Entry, error) {
	text, err := s.List(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.normalizeEntries(entries.Parse(text, s.parsers)), nil
}

func (s *Session) normalizeEntries(list []entries.Entry) []entries.Entry {
	for i := range list {
		list[i].Name = nfc.Normalize(list[i].Name)
	}
	return list
}

// Rename issues the RNFR/RNTO pair that renames from to to.
func (s *Session) Rename(from, to string) error {
	if _, err := s.disp.Execute("RNFR " + from); err != nil {
		return err
	}
	_, err := s.disp.Execute("RNTO " + to)
	return err
}

// ChangeDir issues CWD.
func (s *Session) ChangeDir(path string) error {
	_, err := s.disp.Execute("CWD " + path)
	return err
}

// CurrentDir issues PWD and parses the quoted path out of its reply text.
func (s *Session) CurrentDir() (string, error) {
	resp, err := s.disp.Execute("PWD")
	if err != nil {
		return "", err
	}
	return parseQuotedPath(resp.Text), nil
}

// MakeDir issues MKD.
func (s *Session) MakeDir(path string) error {
	_, err := s.disp.Execute("MKD " + path)
	return err
}

// RemoveDir issues RMD.
func (s *Session) RemoveDir(path string) error {
	_, err := s.disp.Execute("RMD " + path)
	return err
}

// Delete issues DELE.
func (s *Session) Delete(path string) error {
	_, err := s.disp.Execute("DELE " + path)
	return err
}

// Size issues SIZE and parses the integer byte count out of its reply.
func (s *Session) Size(path string) (int64, error) {
	resp, err := s.disp.Execute("SIZE " + path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(resp.Text), 10, 64)
	if err != nil {
		return 0, &ParseError{Context: "SIZE", Text: resp.Text}
	}
	return n, nil
}

// parseQuotedPath extracts the double-quoted path out of a 257 PWD/MKD
// reply's text, e.g. `"/home/user" is current directory`, undoing RFC
// 959's doubled-quote escaping for a literal '"' inside the path.
func parseQuotedPath(text string) string {
	start := strings.IndexByte(text, '"')
	if start < 0 {
		return strings.TrimSpace(text)
	}
	rest := text[start+1:]

	var b strings.Builder
	for i := 0; i < len(rest); i++ {
		if rest[i] != '"' {
			b.WriteByte(rest[i])
			continue
		}
		if i+1 < len(rest) && rest[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String()
	}
	return b.String()
}

// Destroy stops the keep-alive loop, aborts any in-flight transfer, sends a
// best-effort QUIT, and tears down both the dispatcher and the underlying
// control connection. It is safe to call more than once.
func (s *Session) Destroy() error {
	s.stopKeepAlive()

	s.mu.Lock()
	if s.activeData != nil {
		s.activeData.Close()
		s.activeData = nil
	}
	s.mu.Unlock()

	// Sent directly on the control socket rather than through Execute, so
	// tearing down an unauthenticated Session doesn't first run the
	// implicit FEAT/SYST/USER/PASS/TYPE handshake just to say goodbye.
	_ = s.cc.Send("QUIT")

	s.disp.Close()
	return s.cc.Close()
}
