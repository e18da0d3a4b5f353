package env

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/jaywantadh/ByteSwarm/pkg/logging"
)

// Prefix namespaces every variable the application reads.
const Prefix = "BYTESWARM_"

// LoadEnv loads .env files into the process environment. Variables already
// set are not overridden and missing files are skipped. With no arguments it
// looks for .env in the working directory.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var found []string
	for _, f := range files {
		_, err := os.Stat(f)
		switch {
		case err == nil:
			found = append(found, f)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("failed to stat %s: %w", f, err)
		}
	}
	if len(found) == 0 {
		logging.Component("env").Debug("no .env file found, using system envs")
		return nil
	}
	if err := godotenv.Load(found...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// GetEnv returns the value of the prefixed variable, or fallback when unset.
func GetEnv(key string, fallback string) string {
	if !strings.HasPrefix(key, Prefix) {
		key = Prefix + key
	}
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}
