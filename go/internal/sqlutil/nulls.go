package sqlutil

import (
	"database/sql"
	"math"
	"time"
)

// ToNullFloat64 converts an optional float to sql.NullFloat64.
// Non-finite values are stored as NULL.
func ToNullFloat64(val *float64) sql.NullFloat64 {
	if val == nil || math.IsNaN(*val) || math.IsInf(*val, 0) {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Float64: *val, Valid: true}
}

// FromNullFloat64 converts sql.NullFloat64 to an optional float.
func FromNullFloat64(val sql.NullFloat64) *float64 {
	if !val.Valid {
		return nil
	}
	f := val.Float64
	return &f
}

// FromEpochMs converts epoch milliseconds to a UTC timestamp.
func FromEpochMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
