package executable

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/seantiz/processing/internal/engine"
)

// ShellScript describes a script run by Shell.
type ShellScript struct {
	// Path is the script name or absolute path. It must be executable.
	Path string
	// Env holds static variables added to the script environment.
	Env map[string]string
}

// ParseEnv parses "KEY1=value1&KEY2=value2" into a map. Blank entries are
// skipped.
func ParseEnv(s string) (map[string]string, error) {
	env := make(map[string]string)
	for _, kv := range strings.Split(s, "&") {
		if strings.TrimSpace(kv) == "" {
			continue
		}
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed environment entry %q", kv)
		}
		env[name] = value
	}
	return env, nil
}

// Shell runs script with the workdir as working directory. Besides the
// static variables, the script gets INPUT_DIR, OUTPUT_DIR, EXEC_ID,
// BATCH_ID, TENANT and one PARAM_<NAME> variable per batch parameter. A
// non-zero exit status fails the stage.
func Shell(script ShellScript, logger *slog.Logger) engine.Executable {
	return engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		cmd := exec.CommandContext(ctx, script.Path)
		cmd.Dir = ec.Workdir
		cmd.Env = append(os.Environ(), shellEnv(script, ec)...)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("stderr pipe: %w", err)
		}

		log := logger.With("execution_id", ec.Execution.ID, "script", script.Path)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", script.Path, err)
		}

		var wg sync.WaitGroup
		wg.Go(func() { logLines(log, "stdout", stdout) })
		wg.Go(func() { logLines(log, "stderr", stderr) })
		wg.Wait()

		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("correlation %s exec %s script %s: exited with status code %d",
					ec.Batch.CorrelationID, ec.Execution.ID, script.Path, exitErr.ExitCode())
			}
			return fmt.Errorf("run %s: %w", script.Path, err)
		}
		log.Info("script exited with status code 0")
		return nil
	})
}

func shellEnv(script ShellScript, ec *engine.ExecutionContext) []string {
	env := []string{
		"INPUT_DIR=" + ec.InputDir(),
		"OUTPUT_DIR=" + ec.OutputDir(),
		"EXEC_ID=" + ec.Execution.ID,
		"BATCH_ID=" + ec.Batch.ID,
		"TENANT=" + ec.Execution.Tenant,
	}
	for k, v := range script.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range ec.Parameters() {
		env = append(env, "PARAM_"+strings.ToUpper(k)+"="+v)
	}
	sort.Strings(env[5:])
	return env
}

func logLines(log *slog.Logger, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			log.Debug(line, "stream", stream)
		}
	}
}
