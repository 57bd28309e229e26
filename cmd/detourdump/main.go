// Command detourdump shows how functions of a binary would be hooked: the
// instructions a patch overwrites, the patch itself and the trampoline
// that keeps the original callable. Nothing is patched.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/k2io/detours/config"
)

func main() {
	var (
		bin        = flag.String("bin", "", "Path to an ELF binary (default: this program)")
		configPath = flag.String("config", "", "Path to a YAML config file")
		detourStr  = flag.String("detour", "", "Detour address in hex (default: 1MiB past each target)")
		slotStr    = flag.String("slot", "", "Trampoline address in hex (default: 64KiB below each target)")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: detourdump [-bin file] [-config file] [-detour hex] [-slot hex] symbol...")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnvOverrides()
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	opts := options{}
	if opts.detour, err = parseAddr(*detourStr); err != nil {
		logger.Fatal("bad -detour", zap.Error(err))
	}
	if opts.slot, err = parseAddr(*slotStr); err != nil {
		logger.Fatal("bad -slot", zap.Error(err))
	}
	path := *bin
	if path == "" {
		if path, err = os.Executable(); err != nil {
			logger.Fatal("locating executable", zap.Error(err))
		}
	}

	failed, err := dump(os.Stdout, logger, path, flag.Args(), opts)
	if err != nil {
		logger.Fatal("dump failed", zap.String("bin", path), zap.Error(err))
	}
	if failed > 0 {
		os.Exit(2)
	}
}

func parseAddr(s string) (uintptr, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return uintptr(v), nil
}
