package oxia

import (
	"context"
	"strings"
	"testing"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "empty service address",
			cfg:     Config{Namespace: "default"},
			wantErr: "service address is required",
		},
		{
			name:    "empty namespace",
			cfg:     Config{ServiceAddress: "localhost:6648"},
			wantErr: "namespace is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVersionMapping(t *testing.T) {
	for _, oxiaVersion := range []int64{0, 1, 41} {
		v := toStoreVersion(oxiaVersion)
		if v < 1 {
			t.Errorf("toStoreVersion(%d) = %d, want >= 1", oxiaVersion, v)
		}
		if back := toOxiaVersion(v); back != oxiaVersion {
			t.Errorf("round trip of %d gave %d", oxiaVersion, back)
		}
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", ""},
		{"abc", "abd"},
		{"/oak/v1/nodes/0002:%2Fx%2F", "/oak/v1/nodes/0002:%2Fx%2G"},
		{"a\xff", "b"},
		{"\xff\xff", ""},
	}
	for _, tt := range tests {
		if got := prefixEnd(tt.prefix); got != tt.want {
			t.Errorf("prefixEnd(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}
