package version

// Set through -ldflags "-X github.com/bnema/chatsync/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)

func String() string {
	if Commit == "" || Commit == "none" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
