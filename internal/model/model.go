package model

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// User is an establishment account that submits surveys.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Half selects which six months of the year a reporting period covers.
type Half uint8

const (
	// FirstHalf covers January through June.
	FirstHalf Half = 1
	// SecondHalf covers July through December.
	SecondHalf Half = 2
)

// Months returns the six months of the active window, in calendar order.
func (h Half) Months() []time.Month {
	start := time.January
	if h == SecondHalf {
		start = time.July
	}
	months := make([]time.Month, 0, 6)
	for m := start; m < start+6; m++ {
		months = append(months, m)
	}
	return months
}

// Contains reports whether m falls inside the window.
func (h Half) Contains(m time.Month) bool {
	if h == SecondHalf {
		return m >= time.July && m <= time.December
	}
	return m >= time.January && m <= time.June
}

// Valid reports whether h is one of the two known halves.
func (h Half) Valid() bool {
	return h == FirstHalf || h == SecondHalf
}

// Period is a reporting period: one survey per establishment per half-year.
type Period struct {
	ID   string `json:"id"`
	Year int    `json:"year"`
	Half Half   `json:"half"`
}

// PeriodID formats the canonical id of a period, e.g. "2026-1".
func PeriodID(year int, half Half) string {
	return fmt.Sprintf("%d-%d", year, half)
}

// ParsePeriod parses an id of the form "<year>-<half>".
func ParsePeriod(id string) (Period, error) {
	y, h, ok := strings.Cut(id, "-")
	if !ok {
		return Period{}, fmt.Errorf("invalid period id %q", id)
	}
	year, err := strconv.Atoi(y)
	if err != nil || year < 2000 || year > 9999 {
		return Period{}, fmt.Errorf("invalid period year in %q", id)
	}
	n, err := strconv.Atoi(h)
	if err != nil || !Half(n).Valid() {
		return Period{}, fmt.Errorf("invalid period half in %q", id)
	}
	return Period{ID: PeriodID(year, Half(n)), Year: year, Half: Half(n)}, nil
}

// AllMonths lists the twelve calendar months.
func AllMonths() []time.Month {
	months := make([]time.Month, 0, 12)
	for m := time.January; m <= time.December; m++ {
		months = append(months, m)
	}
	return months
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	Lang        string        // UI language for messages (es, en)
	StagingDir  string        // where multipart uploads are staged before deferred upload
	UploadDelay time.Duration // optional settle time before the post-finalize upload
}
