package ftp

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"syscall"
	"time"
)

// pasvPattern matches a 227 reply's "(h1,h2,h3,h4,p1,p2)" payload
// anywhere in the reply text, tolerating servers that surround it with
// arbitrary prose.
var pasvPattern = regexp.MustCompile(`([-\d]+,[-\d]+,[-\d]+,[-\d]+),([-\d]+),([-\d]+)`)

// parsePASV extracts the data-connection host and port from a PASV
// reply's text: host is the first four comma-separated groups with
// commas replaced by dots, and port is (p1&255)*256 + (p2&255).
func parsePASV(text string) (host string, port int, err error) {
	m := pasvPattern.FindStringSubmatch(text)
	if m == nil {
		return "", 0, &ParseError{Context: "PASV", Text: text}
	}

	host = commasToDots(m[1])

	p1, err1 := strconv.Atoi(m[2])
	p2, err2 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil {
		return "", 0, &ParseError{Context: "PASV", Text: text}
	}
	port = (p1 & 255) * 256 + (p2 & 255)
	return host, port, nil
}

func commasToDots(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out[i] = '.'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}

// defaultIdleTimeout is the passive-socket idle timeout applied when the
// Session wasn't given one.
const defaultIdleTimeout = 10 * time.Minute

// openPassive issues PASV, parses the reply, and dials the resulting
// endpoint. The caller is responsible for clearing s.activeData once the
// connection closes.
func (s *Session) openPassive(ctx context.Context) (net.Conn, error) {
	resp, err := s.disp.Execute("PASV")
	if err != nil {
		return nil, err
	}

	host, port, err := parsePASV(resp.Text)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, &UsageError{Message: "PASV connection refused, probably trying a PASV operation while one is in progress: " + err.Error()}
		}
		return nil, err
	}

	timeout := s.idleTimeout
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	return &deadlineConn{Conn: conn, timeout: timeout}, nil
}
