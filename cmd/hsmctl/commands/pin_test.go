package commands

import (
	"testing"

	"github.com/cryptech/hsmcore/internal/keystore/pin"
)

func TestParseUser(t *testing.T) {
	tests := []struct {
		in      string
		want    pin.User
		wantErr bool
	}{
		{in: "user", want: pin.UserNormal},
		{in: "so", want: pin.UserSO},
		{in: "wheel", want: pin.UserWheel},
		{in: "root", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseUser(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got nil", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseUser(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("parseUser(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
