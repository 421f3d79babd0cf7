package pii

import "testing"

func TestValidLuhn(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"4532015112830366", true},  // valid Visa test number
		{"4532015112830367", false}, // checksum broken
		{"1234567890123456", false},
	}
	for _, c := range cases {
		if got := validLuhn(c.in); got != c.want {
			t.Errorf("validLuhn(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestValidSSN(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"123-45-6789", true},
		{"000-45-6789", false},
		{"123-00-6789", false},
		{"123-45-0000", false},
	}
	for _, c := range cases {
		if got := validSSN(c.in); got != c.want {
			t.Errorf("validSSN(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestValidIPv4(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"192.168.1.1", true},
		{"255.255.255.255", true},
		{"256.1.1.1", false},
		{"1.2.3.4.5", false},
		{"1.2.3", false},
	}
	for _, c := range cases {
		if got := validIPv4(c.in); got != c.want {
			t.Errorf("validIPv4(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
