package version

import (
	"testing"
)

func mustParse(t *testing.T, s string) Version {
	t.Helper()
	v, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) unexpected error: %v", s, err)
	}
	return v
}

func TestVersionString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "two components", input: "1.2", expected: "1.2"},
		{name: "v prefix dropped", input: "v2.0.1", expected: "2.0.1"},
		{name: "four components", input: "3.1.0.4", expected: "3.1.0.4"},
		{name: "leading zeros collapse", input: "1.02", expected: "1.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustParse(t, tt.input).String()
			if got != tt.expected {
				t.Errorf("Version.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "single component", input: "7"},
		{name: "with whitespace", input: " 1.5 "},
		{name: "upper V prefix", input: "V1.0"},
		{name: "too many parts", input: "1.2.3.4.5", wantErr: true},
		{name: "non-numeric", input: "1.beta", wantErr: true},
		{name: "negative", input: "1.-2", wantErr: true},
		{name: "plus sign", input: "1.+2", wantErr: true},
		{name: "trailing dot", input: "1.", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
		{name: "only prefix", input: "v", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.2", "1.2.0", 0},
		{"1.2.0.0", "1.2", 0},
		{"1.10", "1.9", 1},
		{"1.9", "1.10", -1},
		{"2.0", "1.99.99", 1},
		{"1.0.0.1", "1.0", 1},
		{"0.9", "1", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got := mustParse(t, tt.a).Compare(mustParse(t, tt.b))
			if got != tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		local   string
		want    bool
		wantErr bool
	}{
		{name: "server newer", server: "1.1", local: "1.0", want: true},
		{name: "same version", server: "1.0", local: "1.0.0", want: false},
		{name: "server older", server: "1.0", local: "1.1", want: false},
		{name: "malformed server", server: "latest", local: "1.0", wantErr: true},
		{name: "malformed local", server: "1.0", local: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsNewer(tt.server, tt.local)
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsNewer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsNewer(%q, %q) = %v, want %v", tt.server, tt.local, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"2":     "2.0",
		" 3 ":   "3.0",
		"1.5":   "1.5",
		"beta":  "beta",
		"":      "",
		"1.0.0": "1.0.0",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
