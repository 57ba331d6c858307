package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jmorganca/sdpipe/logutil"
)

var (
	// Set via SDPIPE_DEBUG in the environment
	Debug bool
	// Derived from SDPIPE_DEBUG: 1 or true for debug, 2 for trace
	LogLevel slog.Level
	// Set via SDPIPE_DEVICE in the environment
	Device string
	// Set via SDPIPE_BACKEND in the environment
	Backend string
	// Set via SDPIPE_DUMP_DIR in the environment
	DumpDir string
	// Set via SDPIPE_DUMP_DTYPE in the environment
	DumpDType string
	// Set via SDPIPE_TILE_SIZE in the environment
	TileSize int
	// Set via SDPIPE_TILE_OVERLAP in the environment
	TileOverlap int
	// Set via SDPIPE_SEED in the environment
	Seed uint64
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SDPIPE_DEBUG":        {"SDPIPE_DEBUG", Debug, "Show additional debug information (e.g. SDPIPE_DEBUG=1, 2 for trace)"},
		"SDPIPE_DEVICE":       {"SDPIPE_DEVICE", Device, "Default device models are compiled for (default \"CPU\")"},
		"SDPIPE_BACKEND":      {"SDPIPE_BACKEND", Backend, "Inference backend used to open pipelines"},
		"SDPIPE_DUMP_DIR":     {"SDPIPE_DUMP_DIR", DumpDir, "Write each step's denoised latent to this directory"},
		"SDPIPE_DUMP_DTYPE":   {"SDPIPE_DUMP_DTYPE", DumpDType, "Data type of dumped latents: F32, F16 or BF16 (default \"F32\")"},
		"SDPIPE_TILE_SIZE":    {"SDPIPE_TILE_SIZE", TileSize, "Decode latents in tiles of this size, 0 disables tiling"},
		"SDPIPE_TILE_OVERLAP": {"SDPIPE_TILE_OVERLAP", TileOverlap, "Overlap between decode tiles (default 16)"},
		"SDPIPE_SEED":         {"SDPIPE_SEED", Seed, "Default random seed (default 42)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	// default values
	Debug = false
	LogLevel = slog.LevelInfo
	Device = "CPU"
	DumpDType = "F32"
	TileSize = 0
	TileOverlap = 16
	Seed = 42

	if debug := clean("SDPIPE_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = n > 0
			switch {
			case n >= 2:
				LogLevel = logutil.LevelTrace
			case n == 1:
				LogLevel = slog.LevelDebug
			}
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
			if d {
				LogLevel = slog.LevelDebug
			}
		} else {
			Debug = true
			LogLevel = slog.LevelDebug
		}
	}

	if device := clean("SDPIPE_DEVICE"); device != "" {
		Device = device
	}

	Backend = clean("SDPIPE_BACKEND")
	DumpDir = clean("SDPIPE_DUMP_DIR")

	if dtype := strings.ToUpper(clean("SDPIPE_DUMP_DTYPE")); dtype != "" {
		switch dtype {
		case "F32", "F16", "BF16":
			DumpDType = dtype
		default:
			slog.Error("invalid setting, ignoring", "SDPIPE_DUMP_DTYPE", dtype)
		}
	}

	if size := clean("SDPIPE_TILE_SIZE"); size != "" {
		val, err := strconv.Atoi(size)
		if err != nil || val < 0 {
			slog.Error("invalid setting must be zero or greater", "SDPIPE_TILE_SIZE", size, "error", err)
		} else {
			TileSize = val
		}
	}

	if overlap := clean("SDPIPE_TILE_OVERLAP"); overlap != "" {
		val, err := strconv.Atoi(overlap)
		if err != nil || val < 0 {
			slog.Error("invalid setting must be zero or greater", "SDPIPE_TILE_OVERLAP", overlap, "error", err)
		} else {
			TileOverlap = val
		}
	}

	if seed := clean("SDPIPE_SEED"); seed != "" {
		val, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting", "SDPIPE_SEED", seed, "error", err)
		} else {
			Seed = val
		}
	}
}
