package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig.Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"relative state dir", func(c *Config) { c.State.Dir = "relative/path" }, true},
		{"zero workers", func(c *Config) { c.Joblet.MaxConcurrentJobs = 0 }, true},
		{"inverted cpu bounds", func(c *Config) { c.Joblet.MinCPUPercent = 90; c.Joblet.MaxCPUPercent = 10 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetServerAddress(t *testing.T) {
	cfg := DefaultConfig
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = 9000
	if got, want := cfg.GetServerAddress(), "127.0.0.1:9000"; got != want {
		t.Errorf("GetServerAddress() = %q, want %q", got, want)
	}
}

func TestStateLayoutPaths(t *testing.T) {
	cfg := DefaultConfig
	cfg.State.Dir = "/var/lib/joblet"

	if got, want := cfg.JobStateDir(), "/var/lib/joblet/jobs"; got != want {
		t.Errorf("JobStateDir() = %q, want %q", got, want)
	}
	if got, want := cfg.JobLogDir(), "/var/lib/joblet/logs"; got != want {
		t.Errorf("JobLogDir() = %q, want %q", got, want)
	}
}
