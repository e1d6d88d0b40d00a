package models

import "time"

// Cluster is the tenant boundary; every other entity lives inside exactly one.
type Cluster struct {
	ID                       string    `json:"id"`
	Name                     string    `json:"name"`
	Description              string    `json:"description,omitempty"`
	AdditionalContext        *string   `json:"additionalContext,omitempty"`
	Debug                    bool      `json:"debug"`
	EnableCustomAuth         bool      `json:"enableCustomAuth"`
	HandleCustomAuthFunction *string   `json:"handleCustomAuthFunction,omitempty"`
	IsDemo                   bool      `json:"isDemo"`
	APIKeyHash               string    `json:"-"`
	CreatedAt                time.Time `json:"createdAt"`
}
