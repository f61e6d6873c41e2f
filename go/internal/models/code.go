package models

import "time"

// InitialCodeValue is the sentinel written when the code row is created lazily.
const InitialCodeValue = "INITIAL_CODE"

// SharedCodeID is the fixed primary key of the single logical code row.
const SharedCodeID = 1

// SharedCode is the single shared token value all clients observe.
type SharedCode struct {
	Value     string    `json:"code_value"`
	UpdatedAt time.Time `json:"updated_at"`
}
