package interval

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint64
		wantErr bool
	}{
		{name: "zero", in: "0", want: 0},
		{name: "bare seconds", in: "3600", want: 3600},
		{name: "seconds unit", in: "45s", want: 45},
		{name: "minutes", in: "10m", want: 600},
		{name: "hours and minutes", in: "1h30m", want: 5400},
		{name: "days", in: "7d", want: 7 * 86400},
		{name: "mixed order kept literal", in: "1d2h3m4s", want: 86400 + 7200 + 180 + 4},
		{name: "surrounding space", in: " 600 ", want: 600},
		{name: "empty", in: "", wantErr: true},
		{name: "unit only", in: "h", wantErr: true},
		{name: "trailing digits", in: "1h30", wantErr: true},
		{name: "unknown unit", in: "5w", wantErr: true},
		{name: "negative", in: "-5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{in: 0, want: "0"},
		{in: 45, want: "45s"},
		{in: 600, want: "10m"},
		{in: 5400, want: "1h30m"},
		{in: 90061, want: "1d1h1m1s"},
	}

	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, secs := range []uint64{0, 1, 59, 60, 3599, 86400, 90061} {
		got, err := Parse(Format(secs))
		if err != nil {
			t.Fatalf("Parse(Format(%d)) error = %v", secs, err)
		}
		if got != secs {
			t.Errorf("round trip %d → %d", secs, got)
		}
	}
}
