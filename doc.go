// Package ftp implements the core of an FTP client: a long-lived control
// connection that serializes commands through a single dispatcher
// goroutine, opens passive-mode data connections for transfers and
// listings, and parses multi-line server replies per RFC 959.
//
// # Overview
//
// A Session owns one control connection and, at most, one passive data
// connection at a time:
//
//	sess, err := ftp.Dial("ftp.example.com:21",
//	    ftp.WithUser("anonymous", "anonymous@"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Destroy()
//
//	var buf bytes.Buffer
//	if err := sess.Get(context.Background(), "/pub/file.txt", &buf); err != nil {
//	    log.Fatal(err)
//	}
//
// Authentication (FEAT, SYST, USER, PASS, TYPE I) runs implicitly on the
// first command issued against an unauthenticated Session; callers do not
// need to call Auth explicitly unless they want to surface the error
// eagerly.
//
// # Non-goals
//
// This package deliberately does not support active-mode (PORT) transfers,
// FTPS/TLS, IPv6 EPSV, resumable transfers, connection pooling across
// hosts, or more than one transfer in flight on a given Session.
package ftp
