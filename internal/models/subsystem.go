package models

import "time"

// Subsystem is one monitored mailing list. Only subscribed subsystems are
// polled by the monitor.
type Subsystem struct {
	Name       string    `json:"name"`
	Subscribed bool      `json:"subscribed"`
	CreatedAt  time.Time `json:"created_at"`
}
