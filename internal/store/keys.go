package store

import (
	"fmt"
	"strings"
)

// Physical key layout inside badger. Namespaces and keys are joined with a
// 0x1f unit separator so user-visible names can contain slashes.
//
//	l<sep><ns><sep><key>                    latest entry for the key
//	v<sep><ns><sep><key><sep><version>      one immutable version
//	c<sep><counter-name>                    internal monotonic counters
const sep = "\x1f"

func latestKey(ns, key string) []byte {
	return []byte("l" + sep + ns + sep + key)
}

func latestPrefix(ns string) []byte {
	return []byte("l" + sep + ns + sep)
}

func versionKey(ns, key string, version uint64) []byte {
	// Zero-padded so lexicographic order equals numeric order.
	return []byte(fmt.Sprintf("v%s%s%s%s%s%020d", sep, ns, sep, key, sep, version))
}

func versionPrefix(ns, key string) []byte {
	return []byte("v" + sep + ns + sep + key + sep)
}

func counterKey(name string) []byte {
	return []byte("c" + sep + name)
}

func latestPrefixAll() []byte  { return []byte("l" + sep) }
func versionPrefixAll() []byte { return []byte("v" + sep) }

// validateName rejects empty names and names containing the separator byte.
func validateName(field, name string) error {
	if name == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if strings.Contains(name, sep) {
		return fmt.Errorf("%s contains a reserved byte", field)
	}
	return nil
}
