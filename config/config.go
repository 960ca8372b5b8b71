// Package config parses the relay's target list: one host[:port] per line,
// grounded on common::config::parser.cpp in the original source.
package config

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Parse reads path and returns the non-blank, trimmed lines it contains, in
// order, with no de-duplication (relay.NewRelayService is responsible for
// that). Lines beginning with '#' are treated as comments and skipped, an
// allowance the original parser does not make but which costs nothing and
// makes hand-written target files more usable.
func Parse(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open config file %q", path)
	}
	defer f.Close()

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "could not read config file %q", path)
	}
	return targets, nil
}
