package slug

import "testing"

func TestMake(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme Corp", "acme-corp"},
		{"  Design / Review!  ", "design-review"},
		{"---", "untitled"},
		{"", "untitled"},
		{"Already-Slugged", "already-slugged"},
		{"Mixed  CASE   42", "mixed-case-42"},
	}
	for _, tc := range cases {
		if got := Make(tc.in); got != tc.want {
			t.Errorf("Make(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
