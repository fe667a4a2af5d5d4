// Package byline holds application-wide defaults shared by config, db and cmd.
package byline

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "byline"
	DefaultDatabaseType = "libsql"
	DefaultDatabaseName = "byline.db"

	// DefaultFallbackSentence is the literal text the model must use for an interest with no findings.
	DefaultFallbackSentence = "No information available."
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultCacheDir    = filepath.Join(userCacheDir(), DefaultAppName)
	DefaultDatabaseDir = filepath.Join(DefaultCacheDir, "data")
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultDatabaseDir, DefaultDatabaseName)
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return os.TempDir()
}
