package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/uartcl/uartcl/internal/transport"
)

var ErrBootloaderTooOld = errors.New("bootloader version is below the supported minimum")

// Hello greets the bootloader and returns the version string it reports.
func (s *Session) Hello(ctx context.Context) (string, error) {
	resp, err := s.Execute(ctx, transport.CommandHello, nil, 0)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(strings.TrimSpace(string(resp.Data)), "\x00"), nil
}

// CheckBootloader greets the device and fails when its version is older than
// minVersion. An empty minVersion accepts any device.
func (s *Session) CheckBootloader(ctx context.Context, minVersion string) (string, error) {
	version, err := s.Hello(ctx)
	if err != nil {
		return "", err
	}
	if err := checkVersion(version, minVersion); err != nil {
		return version, err
	}
	s.logger.Info("bootloader detected", "version", version)

	return version, nil
}

func checkVersion(version, minVersion string) error {
	minimum := normalizeSemver(minVersion)
	if minimum == "" {
		return nil
	}
	if !semver.IsValid(minimum) {
		return fmt.Errorf("invalid minimum bootloader version %q", minVersion)
	}

	current := normalizeSemver(version)
	if !semver.IsValid(current) {
		return fmt.Errorf("bootloader reported unparseable version %q", version)
	}
	if semver.Compare(current, minimum) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrBootloaderTooOld, current, minimum)
	}

	return nil
}

func normalizeSemver(version string) string {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "v") {
		return "v" + trimmed
	}

	return trimmed
}
