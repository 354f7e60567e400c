package shared

import "fmt"

// ClosingLockKey builds the redis key guarding background work on a closing.
func ClosingLockKey(closingID int64) string {
	return fmt.Sprintf("tax:closing:%d:lock", closingID)
}
