// Package config loads HyperShell's strongly-typed Settings record
// through a layered koanf provider chain (spec §9's "Dynamic config
// dicts become a strongly-typed settings record"). Precedence, low to
// high: compiled defaults, system file, user file, local file,
// HYPERSHELL_-prefixed environment, command-line flags.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	caarlos0env "github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// SystemConfigPath is the fixed system file layer (spec §9 "system
// file"); the user file layer's path is computed by userConfigPath.
const SystemConfigPath = "/etc/hypershell/config.yml"

const LocalConfigPath = "hypershell.yml"

// Logging holds the logging.* option group.
type Logging struct {
	Level string `koanf:"level" env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Style string `koanf:"style" env:"STYLE" envDefault:"auto" validate:"oneof=auto tint json"`
}

// Database holds the database.* option group.
type Database struct {
	Provider string `koanf:"provider" env:"PROVIDER" envDefault:"sqlite" validate:"required,oneof=sqlite postgres"`
	File     string `koanf:"file" env:"FILE" envDefault:"hypershell.db"`
	Host     string `koanf:"host" env:"HOST"`
	Port     int    `koanf:"port" env:"PORT" envDefault:"5432"`
	User     string `koanf:"user" env:"USER"`
	Password string `koanf:"password" env:"PASSWORD"`
	Schema   string `koanf:"schema" env:"SCHEMA" envDefault:"public"`
}

// Server holds the server.* option group (dispatcher + scheduler).
type Server struct {
	Bind        string `koanf:"bind" env:"BIND" envDefault:"localhost" validate:"required"`
	Port        int    `koanf:"port" env:"PORT" envDefault:"50001" validate:"min=1,max=65535"`
	Auth        string `koanf:"auth" env:"AUTH" envDefault:"changeme" validate:"required"`
	QueueSize   int    `koanf:"queuesize" env:"QUEUESIZE" envDefault:"1000" validate:"min=1"`
	BundleSize  int    `koanf:"bundlesize" env:"BUNDLESIZE" envDefault:"1" validate:"min=1"`
	Attempts    int    `koanf:"attempts" env:"ATTEMPTS" envDefault:"0" validate:"min=0"`
	Eager       bool   `koanf:"eager" env:"EAGER" envDefault:"false"`
	Wait        string `koanf:"wait" env:"WAIT" envDefault:"5s" validate:"required"`
	Evict       string `koanf:"evict" env:"EVICT" envDefault:"60s" validate:"required"`
	FailureSink string `koanf:"failuresink" env:"FAILURESINK" envDefault:""`
}

// Client holds the client.* option group.
type Client struct {
	BundleSize int    `koanf:"bundlesize" env:"BUNDLESIZE" envDefault:"1" validate:"min=1"`
	BundleWait string `koanf:"bundlewait" env:"BUNDLEWAIT" envDefault:"5s" validate:"required"`
	HeartRate  string `koanf:"heartrate" env:"HEARTRATE" envDefault:"10s" validate:"required"`
	Timeout    string `koanf:"timeout" env:"TIMEOUT" envDefault:"60s" validate:"required"`
}

// Submit holds the submit.* option group.
type Submit struct {
	BundleSize int    `koanf:"bundlesize" env:"BUNDLESIZE" envDefault:"1" validate:"min=1"`
	BundleWait string `koanf:"bundlewait" env:"BUNDLEWAIT" envDefault:"5s" validate:"required"`
}

// Task holds the task.* option group.
type Task struct {
	CWD        string `koanf:"cwd" env:"CWD" envDefault:"."`
	Timeout    string `koanf:"timeout" env:"TIMEOUT"`
	SignalWait string `koanf:"signalwait" env:"SIGNALWAIT" envDefault:"5s" validate:"required"`
}

// AutoscaleSize holds autoscale.size.*.
type AutoscaleSize struct {
	Init int `koanf:"init" env:"INIT" envDefault:"1" validate:"min=0"`
	Min  int `koanf:"min" env:"MIN" envDefault:"1" validate:"min=0"`
	Max  int `koanf:"max" env:"MAX" envDefault:"1" validate:"min=1"`
}

// Autoscale holds the autoscale.* option group.
type Autoscale struct {
	Policy string        `koanf:"policy" env:"POLICY" envDefault:"fixed" validate:"oneof=fixed dynamic"`
	Factor float64       `koanf:"factor" env:"FACTOR" envDefault:"1.0" validate:"gt=0"`
	Period string        `koanf:"period" env:"PERIOD" envDefault:"30s" validate:"required"`
	Size   AutoscaleSize `koanf:"size" envPrefix:"SIZE_"`
}

// SSH holds the ssh.* option group.
type SSH struct {
	Args     []string `koanf:"args"`
	NodeList []string `koanf:"nodelist"`
}

// Settings is the full recognized option enumeration of spec §9.
type Settings struct {
	Logging   Logging   `koanf:"logging" envPrefix:"LOGGING_"`
	Database  Database  `koanf:"database" envPrefix:"DATABASE_"`
	Server    Server    `koanf:"server" envPrefix:"SERVER_"`
	Client    Client    `koanf:"client" envPrefix:"CLIENT_"`
	Submit    Submit    `koanf:"submit" envPrefix:"SUBMIT_"`
	Task      Task      `koanf:"task" envPrefix:"TASK_"`
	Autoscale Autoscale `koanf:"autoscale" envPrefix:"AUTOSCALE_"`
	SSH       SSH       `koanf:"ssh" envPrefix:"SSH_"`
}

// Defaults returns the compiled-in default Settings (the lowest
// precedence layer). Rather than hand-writing the zero-value struct
// literal, it reuses the struct's own envDefault tags via caarlos0/env,
// with an empty Environment override so only the tag defaults apply —
// actual environment variables are left entirely to the env.Provider
// layer in Load, one precedence level up.
func Defaults() Settings {
	var s Settings
	if err := caarlos0env.ParseWithOptions(&s, caarlos0env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config: compiled defaults are malformed: %v", err))
	}
	return s
}

// Load builds the full provider chain and returns a validated Settings.
// flags, if non-nil, is bound as the highest-precedence layer.
func Load(localPath string, flags *pflag.FlagSet) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range []string{SystemConfigPath, userConfigPath(), localPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	envProvider := env.Provider("HYPERSHELL_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "HYPERSHELL_")
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("config: load flags: %w", err)
		}
	}

	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := resolveSuffixes(&settings); err != nil {
		return nil, fmt.Errorf("config: resolve _env/_eval: %w", err)
	}

	if err := validator.New().Struct(&settings); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &settings, nil
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hypershell", "config.yml")
}

// resolveSuffixes expands string fields whose raw value ends in "_env"
// or "_eval" (spec §9): "_env" reads an environment variable named by
// the value's prefix, "_eval" runs it as a shell snippet via /bin/sh -c
// and uses trimmed stdout. Currently only server.auth supports this,
// since it is the one secret sourced from outside the config tree.
func resolveSuffixes(s *Settings) error {
	resolved, err := resolveSuffixed(s.Server.Auth)
	if err != nil {
		return err
	}
	s.Server.Auth = resolved
	return nil
}

func resolveSuffixed(value string) (string, error) {
	switch {
	case strings.HasSuffix(value, "_env"):
		name := strings.TrimSuffix(value, "_env")
		return os.Getenv(name), nil
	case strings.HasSuffix(value, "_eval"):
		snippet := strings.TrimSuffix(value, "_eval")
		out, err := exec.Command("/bin/sh", "-c", snippet).Output()
		if err != nil {
			return "", fmt.Errorf("eval %q: %w", snippet, err)
		}
		return strings.TrimSpace(string(out)), nil
	default:
		return value, nil
	}
}
