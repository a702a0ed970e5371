// Package common provides general utility helper functions
package common

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"
)

// TimeTrack logs the time elapsed since start at debug level.
func TimeTrack(start time.Time, name string, logger *slog.Logger) {
	logger.Debug(name, "elapsed_time", time.Since(start))
}

// GetUUIDFromString returns a deterministic UUID for given slice of strings.
func GetUUIDFromString(stringSlice []string) (string, error) {
	s := strings.Join(stringSlice, ",")
	h := xxh3.HashString128(s).Bytes()
	id, err := uuid.FromBytes(h[:])

	return id.String(), err
}

// MakeConfig returns a new config instance decoded from the YAML file at
// filePath. Types implementing yaml.Unmarshaler apply their own defaults.
// An empty path decodes an empty document so that defaults still apply.
func MakeConfig[T any](filePath string) (*T, error) {
	config := new(T)

	content := []byte("{}")

	if filePath != "" {
		var err error
		if content, err = os.ReadFile(filePath); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(content, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
	}

	return config, nil
}

// GetFreePort returns a free TCP port on localhost along with the listener
// holding it. Closing the listener is the responsibility of the caller.
func GetFreePort() (int, *net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, nil, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, nil, err
	}

	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		l.Close()

		return 0, nil, errors.New("failed type assertion")
	}

	return tcpAddr.Port, l, nil
}
