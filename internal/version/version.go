package version

// Set at build time with -ldflags "-X github.com/bnema/symstream/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
