// Package volumeid parses and formats the two string identities the
// storage core hands out to callers: the fully qualified volume id
// "storeid:volname", and the storeid itself. Parsing is total and pure —
// these functions never touch the filesystem or spawn a process.
package volumeid

import (
	"fmt"
	"regexp"
	"strings"
)

// storeIDPattern matches a storage id: lowercase-letter-prefixed,
// lowercase/digit/._- body, lowercase/digit suffix.
var storeIDPattern = regexp.MustCompile(`^[a-z][a-z0-9._-]*[a-z0-9]$|^[a-z]$`)

// ID is a parsed "storeid:volname" identifier.
type ID struct {
	StoreID string
	Volname string
}

// String formats the id back to its canonical "storeid:volname" form.
func (id ID) String() string {
	return id.StoreID + ":" + id.Volname
}

// ValidStoreID reports whether s is a well-formed storage id.
func ValidStoreID(s string) bool {
	return storeIDPattern.MatchString(s)
}

// Parse splits a "storeid:volname" string into its components.
func Parse(s string) (ID, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return ID{}, fmt.Errorf("unable to parse volume id %q: missing ':' separator", s)
	}

	storeID, volname := s[:idx], s[idx+1:]
	if !ValidStoreID(storeID) {
		return ID{}, fmt.Errorf("unable to parse volume id %q: invalid storage id %q", s, storeID)
	}

	if volname == "" {
		return ID{}, fmt.Errorf("unable to parse volume id %q: empty volume name", s)
	}

	return ID{StoreID: storeID, Volname: volname}, nil
}

// FormatID builds a "storeid:volname" string, validating the storeid.
func FormatID(storeID, volname string) (string, error) {
	if !ValidStoreID(storeID) {
		return "", fmt.Errorf("invalid storage id %q", storeID)
	}

	return storeID + ":" + volname, nil
}
