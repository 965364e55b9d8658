package config

import "time"

// Config is the root configuration for MAL.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Events       EventsConfig       `json:"events"`
	Models       ModelsConfig       `json:"models"`
	Environments EnvironmentsConfig `json:"environments"`
	Supervisor   SupervisorConfig   `json:"supervisor"`
	Log          LogConfig          `json:"log"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

// EventsConfig holds broadcast hub settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"` // per-observer queue length
}

// ModelsConfig configures model downloads.
type ModelsConfig struct {
	Dir              string   `json:"dir"`     // default: $MAL_PATH/models
	HubURL           string   `json:"hub_url"` // default: https://huggingface.co
	Token            string   `json:"token,omitempty"`
	ProgressInterval Duration `json:"progress_interval,omitempty"`
}

// EnvironmentsConfig configures where environments live and which exist.
type EnvironmentsConfig struct {
	Root string `json:"root"` // default: $MAL_PATH/environments
	File string `json:"file"` // extra YAML definitions, default: $MAL_PATH/environments.yaml
}

// SupervisorConfig configures installs and running processes.
type SupervisorConfig struct {
	StopGracePeriod Duration    `json:"stop_grace_period,omitempty"`
	StatusSchedule  string      `json:"status_schedule,omitempty"`
	Tools           ToolsConfig `json:"tools"`
}

// ToolsConfig overrides the executables used by installs.
type ToolsConfig struct {
	Git    string `json:"git,omitempty"`
	UV     string `json:"uv,omitempty"`
	Python string `json:"python,omitempty"`
	NoUV   bool   `json:"no_uv,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // auto, text, json
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
