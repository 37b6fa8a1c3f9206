package config

import "log"

func MustNonEmpty(value, envName string) {
	if value == "" {
		log.Fatalf("missing required env %s", envName)
	}
}

func MustNonEmptyBytes(value []byte, envName string) {
	if len(value) == 0 {
		log.Fatalf("missing required env %s", envName)
	}
}

// MustDistinctSecrets stops the process when access and refresh tokens
// would be signed with the same key.
func MustDistinctSecrets(access, refresh []byte) {
	if string(access) == string(refresh) {
		log.Fatalf("JWT_SECRET and JWT_REFRESH_SECRET must differ")
	}
}
