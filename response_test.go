package ftp

import (
	"reflect"
	"testing"
)

func TestResponseParserSingleLine(t *testing.T) {
	p := &ResponseParser{}
	resps, err := p.Feed([]byte("230 Logged in.\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	r := resps[0]
	if r.Code != 230 || r.Text != "Logged in." || r.IsError || r.IsMark {
		t.Fatalf("unexpected response: %+v", r)
	}
}

func TestResponseParserMultiLine(t *testing.T) {
	p := &ResponseParser{}
	resps, err := p.Feed([]byte("211-Features:\r\n MDTM\r\n SIZE\r\n211 End\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	want := "Features:\nMDTM\nSIZE\nEnd"
	if resps[0].Text != want {
		t.Errorf("Text = %q, want %q", resps[0].Text, want)
	}
	if len(resps[0].Lines) != 4 {
		t.Errorf("Lines = %d, want 4", len(resps[0].Lines))
	}
}

func TestResponseParserMarkAndError(t *testing.T) {
	p := &ResponseParser{}
	resps, err := p.Feed([]byte("150 Opening data connection.\r\n550 No such file.\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2", len(resps))
	}
	if !resps[0].IsMark {
		t.Errorf("expected first response to be a mark")
	}
	if !resps[1].IsError {
		t.Errorf("expected second response to be an error")
	}
}

// TestResponseParserChunkBoundaryAgnostic asserts that splitting the same
// byte stream into different chunks never changes the parsed sequence.
func TestResponseParserChunkBoundaryAgnostic(t *testing.T) {
	data := []byte("220-Welcome\r\n220 to the server\r\n230 Logged in.\r\n125 Data connection already open; transfer starting.\r\n226 Transfer complete.\r\n")

	reference := parseAll(t, data, len(data)+1)

	for chunkSize := 1; chunkSize <= 7; chunkSize++ {
		got := parseAll(t, data, chunkSize)
		if !reflect.DeepEqual(got, reference) {
			t.Fatalf("chunk size %d: got %+v, want %+v", chunkSize, got, reference)
		}
	}
}

func parseAll(t *testing.T, data []byte, chunkSize int) []*Response {
	t.Helper()
	p := &ResponseParser{}
	var all []*Response
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		resps, err := p.Feed(data[i:end])
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		all = append(all, resps...)
	}
	return all
}

func TestStripFramingPrefix(t *testing.T) {
	cases := []struct {
		line string
		code int
		want string
	}{
		{"230 Logged in.", 230, "Logged in."},
		{"211-Features:", 211, "Features:"},
		{" MDTM", 211, "MDTM"},
		{"no prefix here", 0, "no prefix here"},
	}
	for _, c := range cases {
		if got := stripFramingPrefix(c.line, c.code); got != c.want {
			t.Errorf("stripFramingPrefix(%q, %d) = %q, want %q", c.line, c.code, got, c.want)
		}
	}
}
