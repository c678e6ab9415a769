package payload

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestBool(t *testing.T) {
	tests := []struct {
		in      string
		want    Bool
		wantErr bool
	}{
		{`true`, true, false},
		{`false`, false, false},
		{`"true"`, true, false},
		{`"False"`, false, false},
		{`""`, false, false},
		{`"maybe"`, false, true},
		{`3`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var b Bool
			err := json.Unmarshal([]byte(tt.in), &b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if b != tt.want {
				t.Errorf("got %v, want %v", b, tt.want)
			}
		})
	}
}

func TestStrings(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`["a","b"]`, []string{"a", "b"}},
		{`"a, b,,c"`, []string{"a", "b", "c"}},
		{`""`, nil},
	}
	for _, tt := range tests {
		var s Strings
		if err := json.Unmarshal([]byte(tt.in), &s); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if !slices.Equal([]string(s), tt.want) {
			t.Errorf("%s = %v, want %v", tt.in, s, tt.want)
		}
	}
}
