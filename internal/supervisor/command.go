package supervisor

import (
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.olrik.dev/inferd/internal/appstate"
	"go.olrik.dev/inferd/internal/core"
)

const apiKeysFlag = "--api_keys"

// Command is a fully resolved worker launch.
type Command struct {
	Path string
	Args []string
	Env  []string // Added to the daemon's own environment
	Dir  string
}

// WorkerCommand builds the worker launch for the given settings. The worker
// listens on the fixed worker port and accepts only the app token.
func WorkerCommand(w core.WorkerSettings, token appstate.AppToken) Command {
	origins := w.AllowedOrigins
	if len(origins) == 0 {
		origins = core.DefaultAllowedOrigins
	}

	args := []string{
		"--start-server",
		"--port", strconv.Itoa(core.WorkerPort),
		"--config_file_path", w.ConfigFile,
		"--data_folder_path", w.DataDir,
		"--cors", "ON",
		"--allowed_origins", strings.Join(origins, ","),
		"config",
		apiKeysFlag, token.String(),
	}

	keys := make([]string, 0, len(w.Environment))
	for k := range w.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		if k == "LD_LIBRARY_PATH" {
			continue
		}
		env = append(env, k+"="+w.Environment[k])
	}
	env = append(env, "LD_LIBRARY_PATH="+libraryPath(w))

	return Command{Path: w.Binary, Args: args, Env: env}
}

// libraryPath extends the inherited (or configured) library search path
// with the worker data directory, where engine libraries are installed.
func libraryPath(w core.WorkerSettings) string {
	base, ok := w.Environment["LD_LIBRARY_PATH"]
	if !ok {
		base = os.Getenv("LD_LIBRARY_PATH")
	}
	if base == "" {
		return w.DataDir
	}
	return base + string(os.PathListSeparator) + w.DataDir
}

// RedactedArgs returns the arguments with the worker credential masked.
func (c Command) RedactedArgs() []string {
	out := make([]string, len(c.Args))
	copy(out, c.Args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == apiKeysFlag {
			out[i+1] = "[redacted]"
		}
	}
	return out
}

func (c Command) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", c.Path),
		slog.String("args", strings.Join(c.RedactedArgs(), " ")),
	)
}
