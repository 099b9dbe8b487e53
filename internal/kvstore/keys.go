package kvstore

import (
	"errors"
	"fmt"
)

// DefaultPrefix namespaces every key this package writes, so a shared
// Redis instance can host more than one deployment.
const DefaultPrefix = "trinity:"

// TradeKey, CooldownKey, LockKey, PositionsKey and HealthKey build the
// key shapes the core persists under.
func TradeKey(prefix, id string) string       { return prefix + "trade:" + id }
func CooldownKey(prefix, symbol string) string { return prefix + "cooldown:" + symbol }
func LockKey(prefix, name string) string       { return prefix + "lock:" + name }
func PositionsKey(prefix, exchange string) string { return prefix + "positions:" + exchange }
func HealthKey(prefix, exchange string) string    { return prefix + "health:" + exchange }

// TradePrefix returns the scan pattern used for startup recovery.
func TradePrefix(prefix string) string { return prefix + "trade:" }

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("kvstore: key not found")

func keyNotFoundError(key string) error {
	return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}
