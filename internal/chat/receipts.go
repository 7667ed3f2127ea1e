package chat

// ApplyReadReceipt records that userId has read every message in msgs. The
// read-by set only ever grows; applying the same receipt twice is a no-op.
// Returns whether any message changed.
func ApplyReadReceipt(msgs []Message, userId string) bool {
	if userId == "" {
		return false
	}

	changed := false
	for i := range msgs {
		if msgs[i].ReadByUser(userId) {
			continue
		}
		msgs[i].ReadBy = append(msgs[i].ReadBy, userId)
		changed = true
	}
	return changed
}
