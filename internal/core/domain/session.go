package domain

import (
	"fmt"
	"time"
)

type SessionID string

// RateTier is the minimum interval between metric deliveries to a session.
type RateTier string

const (
	TierRealtime   RateTier = "realtime"
	TierStandard   RateTier = "standard"
	TierBackground RateTier = "background"
	TierSlow       RateTier = "slow"
)

func (t RateTier) Interval() time.Duration {
	switch t {
	case TierRealtime:
		return 100 * time.Millisecond
	case TierStandard:
		return 5 * time.Second
	case TierBackground:
		return 30 * time.Second
	case TierSlow:
		return 300 * time.Second
	default:
		return 5 * time.Second
	}
}

func ParseRateTier(s string) (RateTier, error) {
	switch RateTier(s) {
	case TierRealtime, TierStandard, TierBackground, TierSlow:
		return RateTier(s), nil
	default:
		return "", fmt.Errorf("unknown rate tier: %q", s)
	}
}

type PermissionLevel int

const (
	LevelUser PermissionLevel = iota + 1
	LevelAdmin
)

func (l PermissionLevel) String() string {
	switch l {
	case LevelAdmin:
		return "admin"
	default:
		return "user"
	}
}

func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch s {
	case "user":
		return LevelUser, nil
	case "admin":
		return LevelAdmin, nil
	default:
		return 0, fmt.Errorf("unknown permission level: %q", s)
	}
}

// Identity is the authenticated principal behind a session.
type Identity struct {
	UserID string          `json:"user_id"`
	Level  PermissionLevel `json:"level"`
}
