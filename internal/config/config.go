// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Role represents how the user enters the call.
type Role string

const (
	RoleCall   Role = "call"   // place the call (send the offer)
	RoleAnswer Role = "answer" // wait for the other side's offer
)

const (
	DefaultRoom             = "lobby"
	DefaultOutboxCapacity   = 32
	DefaultCandidateRetries = 3
	DefaultTimeout          = 30 * time.Second
	DefaultStatsInterval    = 10 * time.Second
	maxDisplayNameLength    = 64
)

// Config stores all parameters gathered from flags or interactive prompts.
type Config struct {
	Role        Role
	DisplayName string // carried in every envelope
	RelayURL    string // ws(s)://host[:port]/ws
	Room        string
	PIN         string

	Glare            string // "reject" or "yield"
	Timeout          time.Duration
	CandidateRetries int
	StrictCandidates bool // fail the call when a candidate exhausts its retries
	OutboxCapacity   int
	STUNServers      []string

	Audio bool
	Video bool
	Debug bool
}

// Default returns a Config with every tunable at its default.
func Default() Config {
	return Config{
		Role:             RoleAnswer,
		Room:             DefaultRoom,
		Glare:            "reject",
		Timeout:          DefaultTimeout,
		CandidateRetries: DefaultCandidateRetries,
		OutboxCapacity:   DefaultOutboxCapacity,
		Audio:            true,
		Video:            true,
	}
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	switch c.Role {
	case RoleCall, RoleAnswer:
	default:
		return fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleCall, RoleAnswer)
	}

	name := strings.TrimSpace(c.DisplayName)
	if name == "" {
		return errors.New("display name is required")
	}
	if len(name) > maxDisplayNameLength {
		return fmt.Errorf("display name longer than %d characters", maxDisplayNameLength)
	}

	if c.RelayURL == "" {
		return errors.New("relay URL is required")
	}
	if c.CandidateRetries < 1 {
		return errors.New("candidate retries must be at least 1")
	}
	if c.OutboxCapacity < 1 {
		return errors.New("outbox capacity must be at least 1")
	}
	if !c.Audio && !c.Video {
		return errors.New("at least one of audio or video must be enabled")
	}
	return nil
}

// Endpoint returns the relay URL with room and PIN query parameters.
func (c Config) Endpoint() (string, error) {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("room", c.Room)
	if c.PIN != "" {
		q.Set("pin", c.PIN)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NormalizeRelayURL validates and normalizes a raw relay address. A bare
// host defaults to wss and the /ws path.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// SplitList parses a comma-separated flag value, dropping empty entries.
func SplitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
