// Fig uses flags and a single config file for configuration.
// A config file holds one `flag_name value` pair per line; every name must match a defined flag.
// Flag values given on the command line are applied by flag.Parse first, so the file can override
// defaults but a bad file never prevents startup.

package config

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var configFile = flag.String("config_file", "config.conf", "Path to the configuration file.")

// applyConfigLines sets flags from `flag_name value` lines. Blank lines and lines starting with
// '#' are skipped.
func applyConfigLines(scanner *bufio.Scanner) error {
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, " ")
		if !found {
			return fmt.Errorf("line %d: expected `flag_name value`, got %q", lineNo, line)
		}
		if err := flag.Set(name, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("line %d: failed to set flag %s: %w", lineNo, name, err)
		}
	}
	return scanner.Err()
}

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	configFile, err := os.Open(*configFile)
	if err != nil { // If the config file cannot be opened, we skip loading and use default flag values.
		slog.Warn("Failed to open config file.", "error", err)
		return
	}
	defer func() { _ = configFile.Close() }()

	if err := applyConfigLines(bufio.NewScanner(configFile)); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
		return
	}
}
