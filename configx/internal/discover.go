package internal

import (
	"os"
	"path/filepath"
)

// ConfigExtensions are tried in order for each candidate directory.
var ConfigExtensions = []string{".yaml", ".yml", ".toml", ".json"}

// CandidateDirs lists the directories searched for <project>.<ext>:
// <dir>/etc/<project> for each search dir, followed by defaultDirs.
func CandidateDirs(project string, searchPath, defaultDirs []string) []string {
	dirs := make([]string, 0, len(searchPath)+len(defaultDirs))
	for _, dir := range searchPath {
		dirs = append(dirs, filepath.Join(dir, "etc", project))
	}
	return append(dirs, defaultDirs...)
}

// DefaultDirs returns ~/.<project> and /etc/<project>. The home entry is
// skipped when the home directory cannot be determined.
func DefaultDirs(project string) []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "."+project))
	}
	return append(dirs, filepath.Join("/etc", project))
}

// FindConfigFile returns the first existing <project>.<ext> across dirs.
func FindConfigFile(project string, dirs []string) (string, bool) {
	for _, dir := range dirs {
		for _, ext := range ConfigExtensions {
			path := filepath.Join(dir, project+ext)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, true
			}
		}
	}
	return "", false
}
