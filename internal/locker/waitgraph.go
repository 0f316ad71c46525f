package locker

// wouldDeadlockLocked walks the wait-for graph before enqueueing txnID as a
// waiter on key. An edge runs from a waiting transaction to every transaction
// currently blocking it (holders of the key plus waiters queued ahead). If
// any path leads back to txnID the wait would close a cycle and the caller
// must fail fast instead of queueing. Must be called with m.mu held.
func (m *Manager) wouldDeadlockLocked(key resourceKey, txnID string) bool {
	visited := map[string]bool{}
	for _, blocker := range m.blockersLocked(key, len(m.waiters[key])) {
		if m.reachesLocked(blocker, txnID, visited) {
			return true
		}
	}
	return false
}

// blockersLocked lists the transactions a waiter at queue position pos waits
// for: all current holders and every waiter ahead of it.
func (m *Manager) blockersLocked(key resourceKey, pos int) []string {
	var blockers []string
	for _, lock := range m.held[key] {
		if lock.OwnerTxn != "" {
			blockers = append(blockers, lock.OwnerTxn)
		}
	}
	queue := m.waiters[key]
	if pos > len(queue) {
		pos = len(queue)
	}
	for _, w := range queue[:pos] {
		if !w.cancelled && w.txnID != "" {
			blockers = append(blockers, w.txnID)
		}
	}
	return blockers
}

// reachesLocked reports whether target is reachable from txn through the
// wait-for graph. The visited set bounds the walk over transaction ids.
func (m *Manager) reachesLocked(txn, target string, visited map[string]bool) bool {
	if txn == target {
		return true
	}
	if visited[txn] {
		return false
	}
	visited[txn] = true

	for key, queue := range m.waiters {
		for pos, w := range queue {
			if w.cancelled || w.txnID != txn {
				continue
			}
			for _, blocker := range m.blockersLocked(key, pos) {
				if m.reachesLocked(blocker, target, visited) {
					return true
				}
			}
		}
	}
	return false
}
