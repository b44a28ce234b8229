// Package config resolves the daemon's operator-facing settings: command
// line flags layered over a viper-loaded config file and environment
// defaults, the same layering style the daemon's teacher codebase uses
// for its own app/nats/executor settings.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the fully resolved set of daemon settings.
type Config struct {
	SocketPath string
	DataDir    string
	LogDir     string
	JobLogDir  string

	TotalGPUs        int
	TotalCPUs        int
	GPUMemThresholdMB uint64
	CPUUtilThreshold float64

	ExcludedCPUs []int
	ExcludedGPUs []int

	Foreground bool
	Init       bool
}

// defaultDataDir returns ~/.myqueue, falling back to /tmp/myqueue if HOME
// is unset (e.g. running under a stripped-down service environment).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/tmp/myqueue"
	}
	return filepath.Join(home, ".myqueue")
}

// Load parses flags (and, through viper, an optional config file and
// MYQUEUE_-prefixed environment variables) into a resolved Config.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("myqueued", flag.ContinueOnError)

	dataDir := fs.String("data-dir", defaultDataDir(), "directory holding the queue snapshot and history database")
	socket := fs.String("socket", "", "unix socket path (default: /tmp/myqueue_<user>.sock)")
	logDir := fs.String("log", "", "daemon log directory (default: <data-dir>/log)")
	jobLogDir := fs.String("joblog", "", "per-task stdout/stderr log directory (default: <data-dir>/logs)")
	totalGPUs := fs.Int("gpus", 2, "number of GPU devices managed")
	totalCPUs := fs.Int("cpus", 64, "number of CPU cores managed")
	gpuMemory := fs.Uint64("gpumemory", 100, "GPU used-memory threshold in MB above which a device is busy")
	cpuUsage := fs.Float64("cpuusage", 50.0, "CPU utilization percent at or above which a core is unavailable")
	excpus := fs.String("excpus", "", "comma-separated CPU core IDs to exclude from allocation")
	exgpus := fs.String("exgpus", "", "comma-separated GPU device IDs to exclude from allocation")
	foreground := fs.Bool("foreground", false, "log to the console instead of <log>/myqueued.log")
	initFlag := fs.Bool("init", false, "initialize the data directory and exit")
	configFile := fs.String("config", "", "optional YAML config file overriding these defaults")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	v := viper.New()
	v.SetEnvPrefix("myqueue")
	v.AutomaticEnv()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
	}

	dd := *dataDir
	if vd := v.GetString("data_dir"); vd != "" && !explicit["data-dir"] {
		dd = vd
	}
	gpus, cpus := *totalGPUs, *totalCPUs
	if !explicit["gpus"] {
		gpus = intOr(v, "gpus", gpus)
	}
	if !explicit["cpus"] {
		cpus = intOr(v, "cpus", cpus)
	}

	cfg := &Config{
		DataDir:           dd,
		SocketPath:        firstNonEmpty(*socket, v.GetString("socket"), "/tmp/myqueue_"+os.Getenv("USER")+".sock"),
		LogDir:            firstNonEmpty(*logDir, v.GetString("log"), filepath.Join(dd, "log")),
		JobLogDir:         firstNonEmpty(*jobLogDir, v.GetString("joblog"), filepath.Join(dd, "logs")),
		TotalGPUs:         gpus,
		TotalCPUs:         cpus,
		GPUMemThresholdMB: *gpuMemory,
		CPUUtilThreshold:  *cpuUsage,
		ExcludedCPUs:      parseIntList(*excpus),
		ExcludedGPUs:      parseIntList(*exgpus),
		Foreground:        *foreground,
		Init:              *initFlag,
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOr(v *viper.Viper, key string, fallback int) int {
	if v.IsSet(key) {
		return v.GetInt(key)
	}
	return fallback
}

func parseIntList(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	var cur int
	var started bool
	flush := func() {
		if started {
			out = append(out, cur)
		}
		cur = 0
		started = false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			cur = cur*10 + int(r-'0')
			started = true
		case r == ',':
			flush()
		default:
			// ignore stray whitespace and separators
		}
	}
	flush()
	return out
}

// EnsureDataDirs creates the data, daemon-log, and job-log directories.
func (c *Config) EnsureDataDirs() error {
	for _, dir := range []string{c.DataDir, c.LogDir, c.JobLogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

// QueuePath is where the task queue's JSON snapshot lives.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataDir, "tasks.json")
}

// HistoryPath is where the SQLite terminal-task archive lives.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}
