package ftp

import "time"

// startKeepAlive runs a ticker that issues NOOP at s.keepAliveInterval
// whenever no passive transfer is in flight, matching the cadence the
// teacher package's keep-alive loop used, minus the duplicated
// implementation it shipped alongside it. A zero or negative interval
// disables the loop entirely.
func (s *Session) startKeepAlive() {
	if s.keepAliveInterval <= 0 {
		return
	}
	s.keepAliveQuit = make(chan struct{})
	s.keepAliveDone = make(chan struct{})

	go func() {
		defer close(s.keepAliveDone)
		ticker := time.NewTicker(s.keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				busy := s.activeData != nil
				s.mu.Unlock()
				if busy {
					continue
				}
				// Skip the tick rather than let NOOP trigger the implicit
				// auth chain on a Session nothing has authenticated yet.
				if !s.disp.Authenticated() {
					continue
				}
				if _, err := s.disp.Execute("NOOP"); err != nil {
					select {
					case s.errCh <- err:
					default:
					}
				}
			case <-s.keepAliveQuit:
				return
			}
		}
	}()
}

// KeepAlive restarts the keep-alive loop with a new interval. Passing 0
// disables it until the next call with a positive interval.
func (s *Session) KeepAlive(interval time.Duration) {
	s.stopKeepAlive()
	s.keepAliveInterval = interval
	s.startKeepAlive()
}

func (s *Session) stopKeepAlive() {
	if s.keepAliveQuit == nil {
		return
	}
	select {
	case <-s.keepAliveQuit:
	default:
		close(s.keepAliveQuit)
	}
	<-s.keepAliveDone
	s.keepAliveQuit = nil
	s.keepAliveDone = nil
}
