package config

import (
	"path/filepath"
	"testing"

	"github.com/prxssh/godc/internal/db"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbs, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(dbs.Close)
	return NewStore(dbs, nil)
}

func TestParseBool(t *testing.T) {
	truthy := []string{"1", "t", "y", "true", "yes", "on", "TRUE", "Yes", "ON"}
	falsy := []string{"0", "f", "n", "false", "no", "off", "FALSE", "No", "OFF"}

	for _, s := range truthy {
		v, err := ParseBool(s)
		if err != nil || !v {
			t.Errorf("ParseBool(%q) = %v, %v; want true", s, v, err)
		}
	}
	for _, s := range falsy {
		v, err := ParseBool(s)
		if err != nil || v {
			t.Errorf("ParseBool(%q) = %v, %v; want false", s, v, err)
		}
	}
	if _, err := ParseBool("maybe"); err == nil {
		t.Error("ParseBool accepted garbage")
	}
}

func TestSetGetScoping(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set(GlobalHub, "nick", "globalnick"))
	require.Equal(t, "globalnick", s.Get(GlobalHub, "nick"))
	require.Equal(t, "globalnick", s.Get(5, "nick"), "hub scope must fall back to global")

	require.NoError(t, s.Set(5, "nick", "hubnick"))
	require.Equal(t, "hubnick", s.Get(5, "nick"))
	require.Equal(t, "globalnick", s.Get(GlobalHub, "nick"))

	require.NoError(t, s.Unset(5, "nick"))
	require.Equal(t, "globalnick", s.Get(5, "nick"))
}

func TestDefaults(t *testing.T) {
	s := newTestStore(t)

	require.Equal(t, "allow", s.Get(GlobalHub, "tls_policy"))
	require.Equal(t, 10, s.Int(GlobalHub, "slots"))
	require.Equal(t, uint64(7*86400), s.Seconds(GlobalHub, "filelist_maxage"))
	require.True(t, s.Bool(GlobalHub, "log_downloads"))
	require.False(t, s.Bool(GlobalHub, "log_debug"))
}

func TestNickValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "plain", value: "someone"},
		{name: "32 bytes exactly", value: "abcdefghijklmnopqrstuvwxyz012345"},
		{name: "33 bytes", value: "abcdefghijklmnopqrstuvwxyz0123456", wantErr: true},
		{name: "dollar", value: "a$b", wantErr: true},
		{name: "pipe", value: "a|b", wantErr: true},
		{name: "space", value: "a b", wantErr: true},
		{name: "angle brackets", value: "<nick>", wantErr: true},
		{name: "empty global", value: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Set(GlobalHub, "nick", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Set(nick, %q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}

	require.Error(t, s.Unset(GlobalHub, "nick"), "the global nick is mandatory")
}

func TestOptionValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		option  string
		value   string
		wantErr bool
	}{
		{name: "autorefresh off", option: "autorefresh", value: "0"},
		{name: "autorefresh 10m", option: "autorefresh", value: "10m"},
		{name: "autorefresh too short", option: "autorefresh", value: "599", wantErr: true},
		{name: "slots positive", option: "slots", value: "4"},
		{name: "slots zero", option: "slots", value: "0", wantErr: true},
		{name: "download_slots junk", option: "download_slots", value: "many", wantErr: true},
		{name: "tls policy prefer", option: "tls_policy", value: "prefer"},
		{name: "tls policy junk", option: "tls_policy", value: "mandatory", wantErr: true},
		{name: "bool option", option: "flush_file_cache", value: "yes"},
		{name: "bool junk", option: "log_debug", value: "maybe", wantErr: true},
		{name: "port in range", option: "active_port", value: "1412"},
		{name: "port out of range", option: "active_port", value: "70000", wantErr: true},
		{name: "unknown option", option: "warp_speed", value: "9", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Set(GlobalHub, tt.option, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Set(%s, %q) error = %v, wantErr %v", tt.option, tt.value, err, tt.wantErr)
			}
		})
	}
}
