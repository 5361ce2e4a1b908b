package redis

const (
	// KeyPrefixArtifact is the prefix for artifact keys
	KeyPrefixArtifact = "terafetch:artifact:"
	// KeyAllArtifacts is the key for the set of all artifact tokens
	KeyAllArtifacts = "terafetch:artifacts:all"
	// KeyCredentialUsage is the hash of per-credential allocation counters
	KeyCredentialUsage = "terafetch:credentials:usage"
	// KeyCredentialLastUsed is the hash of per-credential last allocation times (unix seconds)
	KeyCredentialLastUsed = "terafetch:credentials:last_used"
)

// ArtifactKey returns the Redis key for an artifact token
func ArtifactKey(token string) string {
	return KeyPrefixArtifact + token
}

// AllArtifactsKey returns the key for the set of all artifact tokens
func AllArtifactsKey() string {
	return KeyAllArtifacts
}
