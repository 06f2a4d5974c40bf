package ftp

import "testing"

func TestParsePASV(t *testing.T) {
	cases := []struct {
		text     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"Entering Passive Mode (192,168,1,1,200,13).", "192.168.1.1", 200*256 + 13, false},
		{"227 Entering Passive Mode (10,0,0,5,4,1)", "10.0.0.5", 4*256 + 1, false},
		{"Entering Passive Mode (127,0,0,1,-1,200).", "127.0.0.1", (-1&255)*256 + 200, false},
		{"no parens here", "", 0, true},
	}
	for _, c := range cases {
		host, port, err := parsePASV(c.text)
		if c.wantErr {
			if err == nil {
				t.Errorf("parsePASV(%q): expected error", c.text)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parsePASV(%q): %v", c.text, err)
		}
		if host != c.wantHost || port != c.wantPort {
			t.Errorf("parsePASV(%q) = (%q, %d), want (%q, %d)", c.text, host, port, c.wantHost, c.wantPort)
		}
	}
}

func TestCommasToDots(t *testing.T) {
	if got := commasToDots("192,168,1,1"); got != "192.168.1.1" {
		t.Errorf("commasToDots = %q, want 192.168.1.1", got)
	}
}
