package config

import "fmt"

// CurrentVersion is the configuration file format this build reads.
const CurrentVersion = 1

// VersionError reports a config file written for another format version.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade toolflow to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported (current: %d); set version: %d", e.Version, e.Current, e.Current)
}

// Newer reports whether the file needs a newer toolflow build.
func (e *VersionError) Newer() bool {
	return e != nil && e.Version > e.Current
}

// ValidateVersion accepts only CurrentVersion. Load fills in a missing
// version before validating.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
