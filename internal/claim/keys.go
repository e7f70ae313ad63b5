package claim

import "fmt"

// Key layout in the atomic store. Per-epoch keys carry the subject and epoch
// id so a rotation naturally starts fresh; bindings and consumed markers are
// permanent.
func identityCounterKey(subject, epochID, identity string) string {
	return fmt.Sprintf("epoch:counter:%s:%s:%s", subject, epochID, identity)
}

func walletCounterKey(subject, epochID, wallet string) string {
	return fmt.Sprintf("epoch:walletCounter:%s:%s:%s", subject, epochID, wallet)
}

func walletBindingKey(wallet string) string {
	return "binding:wallet:" + wallet
}

func identityBindingKey(identity string) string {
	return "binding:identity:" + identity
}

func lockKey(wallet string) string {
	return "lock:" + wallet
}

func consumedKey(txRef string) string {
	return "consumed:" + txRef
}

func journalKey(id string) string {
	return journalPrefix + id
}

// The lease prefix must stay outside journalPrefix so Pending's scan never
// mistakes a lease for an entry.
func journalLeaseKey(id string) string {
	return "journal-lease:" + id
}

const journalPrefix = "journal:"
