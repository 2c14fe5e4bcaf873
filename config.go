package main

import "time"

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	Name    string `koanf:"name"`

	// Identity under which pairings are saved. Authentication itself is
	// delegated to the external identity service; the app only carries
	// the resulting user ID.
	UserID     string `koanf:"user_id"`
	DeviceName string `koanf:"device_name"`

	// Retention window for saved pairings.
	Retention time.Duration `koanf:"retention"`

	// How long a photo fetch over the HTTP API waits for the transfer
	// to complete.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// Default quality profiles. These are presentation policy; the
	// transfer protocol accepts any values in range.
	ThumbQuality   int `koanf:"thumb_quality"`
	ThumbDimension int `koanf:"thumb_dimension"`
	FullQuality    int `koanf:"full_quality"`
	FullDimension  int `koanf:"full_dimension"`
}
