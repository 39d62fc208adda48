package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built software's version.
	Version = RelaySemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

// RelaySemVer is the current semantic version of the relay.
const RelaySemVer = "0.4.0"
