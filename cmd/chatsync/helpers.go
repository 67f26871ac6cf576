package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sveturs/chatsync"
)

// newSession builds a session from the config. The token is required.
func newSession(cfg *Config, extra ...chatsync.SessionOption) (*chatsync.Session, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token, run 'chatsync login <token>' first")
	}

	logger := newLogger()
	opts := []chatsync.ClientOption{
		chatsync.WithToken(cfg.Auth.Token),
		chatsync.WithLogger(logger),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSPath != "" {
		opts = append(opts, chatsync.WithWebSocketPath(cfg.Default.WSPath))
	}

	sessOpts := []chatsync.SessionOption{chatsync.WithSessionLogger(logger)}
	if cfg.Default.PageSize > 0 {
		sessOpts = append(sessOpts, chatsync.WithPageSize(cfg.Default.PageSize))
	}
	sessOpts = append(sessOpts, extra...)
	s := chatsync.NewSession(chatsync.NewClient(opts...), sessOpts...)
	if cfg.Auth.UserID != 0 {
		s.SetCurrentUser(cfg.Auth.UserID)
	}
	return s, nil
}

// loadSession is loadConfig followed by newSession.
func loadSession() (*chatsync.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newSession(cfg)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows only the edges of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
