package mvcc

// DetectDeadlock walks the "waited-on" edges starting at tx — the
// chain of predecessor transactions that own the cell tx is blocked
// behind — and reports whether the walk cycles back to tx. Each
// visited transaction is stamped
// with a per-walk marker so the walk terminates in O(|waits|) even
// off-cycle.
//
// Half-committed transactions (open question: HalfCommit) are
// excluded from the walk — the deadlock walker treats a half-commit
// predecessor as a dead end rather than guessing at its final state.
func (m *Manager) DetectDeadlock(tx *Tx) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.walkMark++
	mark := m.walkMark
	tx.mark = mark

	for cur := tx.waitFor; cur != nil; cur = cur.waitFor {
		if cur.HalfCommit {
			return false
		}
		if cur == tx {
			return true
		}
		if cur.mark == mark {
			return false // cycle, but one that doesn't include tx
		}
		cur.mark = mark
	}
	return false
}
