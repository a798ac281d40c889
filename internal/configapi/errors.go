package configapi

import "fmt"

// ErrConcurrentModification is returned by Update when the caller's
// digest no longer matches the current on-disk digest (spec §4.D, §7.3).
var ErrConcurrentModification = fmt.Errorf("storage config was modified concurrently, please retry")

// ErrStorageExists is returned by Create when storeID is already defined.
var ErrStorageExists = fmt.Errorf("storage ID already defined")

// ErrStorageInUse is returned by Delete when another entry still
// references storeID as its base storage.
var ErrStorageInUse = fmt.Errorf("storage ID is referenced as a base by another storage entry")

// ErrCannotDeleteLocal is returned by Delete for the guaranteed "local"
// entry (spec §3/§4.D: "reject if storeid == local").
var ErrCannotDeleteLocal = fmt.Errorf("the 'local' storage entry cannot be deleted")
