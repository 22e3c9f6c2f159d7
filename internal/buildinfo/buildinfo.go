// Package buildinfo carries the release stamp linked into the kernel banner.
package buildinfo

// Set at link time with -ldflags "-X kestrel/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

// Short names the build in one word: the release version when stamped,
// otherwise the commit.
func Short() string {
	switch {
	case Version != "" && Version != "dev":
		return Version
	case Commit != "" && Commit != "unknown":
		return Commit
	}
	return "dev"
}
