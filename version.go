package go_mdnsd

import (
	"fmt"
	"runtime"
)

// version is set at build time with -ldflags "-X github.com/devgianlu/go-mdnsd.version=..."
var version = "dev"

func VersionNumberString() string {
	return version
}

func VersionString() string {
	return fmt.Sprintf("go-mdnsd %s", VersionNumberString())
}

func SystemInfoString() string {
	return fmt.Sprintf("%s; Go %s; %s/%s", VersionString(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
