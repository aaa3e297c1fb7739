package ansi

import "testing"

func TestStrip(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"color", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor move", "abc\x1b[2Kdef", "abcdef"},
		{"osc title bel", "\x1b]0;title\x07prompt$ ", "prompt$ "},
		{"osc title st", "\x1b]0;title\x1b\\prompt$ ", "prompt$ "},
		{"nested", "\x1b[1;32mok\x1b[0m \x1b[31mfail\x1b[0m", "ok fail"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Strip(tc.in); got != tc.want {
				t.Errorf("Strip(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
