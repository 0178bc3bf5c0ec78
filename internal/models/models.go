// Package models provides data model definitions for the AccessCase sync core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// NewID generates a new UUID v4 string.
func NewID() string {
	return uuid.New().String()
}

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// NowMillis returns the current time as unix milliseconds.
// All model timestamps use millisecond precision so that last-modified
// comparisons between client and server copies are meaningful.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// MillisTime converts a unix-millisecond timestamp to time.Time.
func MillisTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
