package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileVar names an explicit dotenv file that replaces the upward search.
const FileVar = "POOL_ENV_FILE"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads POOL_ENV_FILE when set, otherwise the nearest .env between the
// working directory and the filesystem root. Variables already present in the
// process environment win. Only the first call does any work.
func Ensure() error {
	if underGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		loadedPath, loadErr = load()
	})
	return loadErr
}

// LoadedPath returns the dotenv file Ensure loaded, or "".
func LoadedPath() string {
	return loadedPath
}

func load() (string, error) {
	path := strings.TrimSpace(os.Getenv(FileVar))
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "resolve working directory")
		}
		if path, err = searchUp(wd); err != nil {
			log.Debug().Err(err).Msg("search .env failed")
			return "", err
		}
		if path == "" {
			return "", nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("load .env failed")
		return "", errors.Wrapf(err, "load %s", path)
	}
	log.Debug().Str("dotenv", path).Msg("loaded .env")
	return path, nil
}

// searchUp returns the first .env file found walking from dir to the root.
func searchUp(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !os.IsNotExist(err):
			return "", errors.Wrapf(err, "stat %s", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func underGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
