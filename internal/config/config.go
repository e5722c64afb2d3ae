// Package config is the flat (hub, name) → string option surface persisted
// in the vars table. Hub 0 is global scope. Every recognized option carries
// a validator; unknown names are rejected so typos never silently persist.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prxssh/godc/internal/db"
	"github.com/prxssh/godc/pkg/interval"
)

// GlobalHub is the hub id denoting global scope.
const GlobalHub uint64 = 0

var (
	ErrUnknownOption = errors.New("config: unknown option")
	ErrBadValue      = errors.New("config: invalid value")
)

// Store reads and writes options through the persistence service.
type Store struct {
	log *slog.Logger
	dbs *db.Service
}

func NewStore(dbs *db.Service, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{log: log.With("component", "config"), dbs: dbs}
}

// ParseBool accepts the documented truthy/falsy spellings.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "t", "y", "true", "yes", "on":
		return true, nil
	case "0", "f", "n", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrBadValue, s)
}

// defaults per option; consulted when neither hub nor global scope has a
// value.
var defaults = map[string]string{
	"nick":             "",
	"email":            "",
	"description":      "",
	"connection":       "",
	"autorefresh":      "1h",
	"slots":            "10",
	"download_slots":   "3",
	"download_dir":     "",
	"incoming_dir":     "",
	"filelist_maxage":  "7d",
	"flush_file_cache": "false",
	"tls_policy":       "allow",
	"log_debug":        "false",
	"log_downloads":    "true",
	"log_uploads":      "true",
	"local_address":    "",
	"active":           "false",
	"active_port":      "0",
	"active_udp_port":  "0",
	"active_tls_port":  "0",
}

// nickForbidden are the characters a nick may never contain.
const nickForbidden = "$| <>"

type validator func(hub uint64, value string) error

var validators = map[string]validator{
	"nick": func(hub uint64, v string) error {
		if hub == GlobalHub && v == "" {
			return fmt.Errorf("%w: the global nick cannot be empty", ErrBadValue)
		}
		if len(v) > 32 {
			return fmt.Errorf("%w: nick longer than 32 bytes", ErrBadValue)
		}
		if strings.ContainsAny(v, nickForbidden) {
			return fmt.Errorf("%w: nick contains one of %q", ErrBadValue, nickForbidden)
		}
		return nil
	},
	"email":       anyValue,
	"description": anyValue,
	"connection":  anyValue,
	"autorefresh": func(_ uint64, v string) error {
		secs, err := interval.Parse(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadValue, err)
		}
		if secs != 0 && secs < 600 {
			return fmt.Errorf("%w: autorefresh must be 0 or at least 10 minutes", ErrBadValue)
		}
		return nil
	},
	"slots":            atLeastOne("slots"),
	"download_slots":   atLeastOne("download_slots"),
	"download_dir":     anyValue,
	"incoming_dir":     anyValue,
	"filelist_maxage":  validInterval,
	"flush_file_cache": validBool,
	"tls_policy": func(_ uint64, v string) error {
		if v != "disabled" && v != "allow" && v != "prefer" {
			return fmt.Errorf("%w: tls_policy must be disabled, allow or prefer", ErrBadValue)
		}
		return nil
	},
	"log_debug":       validBool,
	"log_downloads":   validBool,
	"log_uploads":     validBool,
	"local_address":   anyValue,
	"active":          validBool,
	"active_port":     validPort,
	"active_udp_port": validPort,
	"active_tls_port": validPort,
}

func anyValue(uint64, string) error { return nil }

func atLeastOne(name string) validator {
	return func(_ uint64, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: %s must be a positive number", ErrBadValue, name)
		}
		return nil
	}
}

func validBool(_ uint64, v string) error {
	_, err := ParseBool(v)
	return err
}

func validInterval(_ uint64, v string) error {
	if _, err := interval.Parse(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	return nil
}

func validPort(_ uint64, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%w: port must be 0-65535", ErrBadValue)
	}
	return nil
}

// Get resolves an option: hub scope first, then global, then the built-in
// default.
func (s *Store) Get(hub uint64, name string) string {
	if hub != GlobalHub {
		if v, found, err := s.dbs.VarGet(hub, name); err == nil && found {
			return v
		}
	}
	if v, found, err := s.dbs.VarGet(GlobalHub, name); err == nil && found {
		return v
	}
	return defaults[name]
}

// Set validates and persists an option.
func (s *Store) Set(hub uint64, name, value string) error {
	check, known := validators[name]
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	if err := check(hub, value); err != nil {
		return err
	}
	if err := s.dbs.VarSet(hub, name, value); err != nil {
		return err
	}
	s.log.Debug("option set", "hub", hub, "name", name)
	return nil
}

// Unset removes an option from a scope, falling back to global/default.
// Unsetting the global nick is refused since hubs require one.
func (s *Store) Unset(hub uint64, name string) error {
	if _, known := validators[name]; !known {
		return fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	if hub == GlobalHub && name == "nick" {
		return fmt.Errorf("%w: the global nick is required", ErrBadValue)
	}
	return s.dbs.VarDel(hub, name)
}

// Bool reads an option as a boolean; invalid stored values read as false.
func (s *Store) Bool(hub uint64, name string) bool {
	v, err := ParseBool(s.Get(hub, name))
	if err != nil {
		return false
	}
	return v
}

// Int reads an option as an integer; invalid stored values read as 0.
func (s *Store) Int(hub uint64, name string) int {
	n, err := strconv.Atoi(s.Get(hub, name))
	if err != nil {
		return 0
	}
	return n
}

// Seconds reads an interval-valued option.
func (s *Store) Seconds(hub uint64, name string) uint64 {
	secs, err := interval.Parse(s.Get(hub, name))
	if err != nil {
		return 0
	}
	return secs
}
