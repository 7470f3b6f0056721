package models

// AppSettings holds user preferences persisted alongside the catalog.
type AppSettings struct {
	Theme          string  `json:"theme"`    // "system", "light", "dark"
	Language       string  `json:"language"` // "en", "zh", ...
	AutoStart      bool    `json:"auto_start"`
	LogLevel       string  `json:"log_level"`
	DefaultKeyPath *string `json:"default_key_path"`
	WindowWidth    int     `json:"window_width"`
	WindowHeight   int     `json:"window_height"`
}

// DefaultSettings returns the settings used when no document exists yet.
func DefaultSettings() AppSettings {
	return AppSettings{
		Theme:        "system",
		Language:     "en",
		AutoStart:    false,
		LogLevel:     "info",
		WindowWidth:  1200,
		WindowHeight: 800,
	}
}
