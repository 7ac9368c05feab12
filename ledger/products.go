package ledger

// Mapping is the static product→credits exchange table, loaded from config at
// startup and read-only afterwards. Every product referenced by a live event
// must have an entry or the event is rejected as unrecoverable.
type Mapping map[string]int

// Credits returns the credit amount for a product ID.
func (m Mapping) Credits(productID string) (int, bool) {
	credits, ok := m[productID]
	return credits, ok
}
