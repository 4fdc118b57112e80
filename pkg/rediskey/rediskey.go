package rediskey

import "fmt"

// Key prefixes shared by every billing process.
const (
	SequencePrefix     = "seq"
	BillingCyclePrefix = "billing:cycle"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildDailySequenceKey returns "seq:{prefix}:{day}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s", prefix, day))
}

// BuildBillingCycleLockKey returns "billing:cycle:{day}:lock"
func BuildBillingCycleLockKey(day string) string {
	return NamespaceKey(BillingCyclePrefix, day+":lock")
}
