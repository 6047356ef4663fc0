package version

import (
	"fmt"
	"runtime"
)

// Version represents the current version of the probe engine.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// EngineVersion is the current version of the probe engine.
var EngineVersion = Version{
	Major: "0", Minor: "9", Patch: "1", Metadata: "",
}

func (v Version) String() string {
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	if v.Build == "" {
		return ver
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the toolchain the binary was built with.
func BuildInfo() string {
	return fmt.Sprintf("%s\nGo compiler: %s", runtime.Version(), runtime.Compiler)
}
