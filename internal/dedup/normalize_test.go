package dedup

import "testing"

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/a":                           "https://example.com/a",
		"HTTP://WWW.Example.COM/a/":                       "https://example.com/a",
		"http://example.com:80/a#section":                 "https://example.com/a",
		"https://example.com:443/":                        "https://example.com",
		"https://example.com:8443/a":                      "https://example.com:8443/a",
		"https://example.com/a?b=2&a=1":                   "https://example.com/a?a=1&b=2",
		"https://example.com/a?utm_source=x&id=7&UTM_x=1": "https://example.com/a?id=7",
		"https://example.com/a?fbclid=abc":                "https://example.com/a",
		"  https://example.com/Path/Keeps/Case  ":         "https://example.com/Path/Keeps/Case",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeURL_SameStoryDifferentForms(t *testing.T) {
	a, _ := NormalizeURL("http://www.example.com/story/?utm_campaign=feed")
	b, _ := NormalizeURL("https://example.com/story")
	if a != b {
		t.Errorf("%q != %q", a, b)
	}
}

func TestNormalizeURL_Invalid(t *testing.T) {
	for _, in := range []string{"", "ftp://example.com/x", "https:///nohost", "not a url", "mailto:a@b.c"} {
		if _, err := NormalizeURL(in); err == nil {
			t.Errorf("NormalizeURL(%q) expected error", in)
		}
	}
}

func TestNormalizeURL_IPv6Host(t *testing.T) {
	cases := map[string]string{
		"http://[::1]:8080/x":    "https://[::1]:8080/x",
		"https://[2001:DB8::1]/": "https://[2001:db8::1]",
		"http://[::1]:443/x":     "https://[::1]/x",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
		again, err := NormalizeURL(got)
		if err != nil || again != got {
			t.Errorf("NormalizeURL(%q) = %q, %v; want it unchanged", got, again, err)
		}
	}
}
