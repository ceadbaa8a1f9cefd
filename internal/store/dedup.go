package store

// dedupIndex answers "has this (message id, sender) pair been stored"
// in O(1) without a log scan. It is rebuilt from the durable log whenever
// the store opens and after every bulk rewrite, so losing it costs a disk
// scan, never a duplicate entry.
type dedupIndex struct {
	keys map[string]struct{}
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{keys: make(map[string]struct{})}
}

// The sender is part of the key on purpose: a message with a known id but
// a different sender is this device's own message echoed back by sync and
// must be treated as new.
func dedupKey(messageID, sender string) string {
	return messageID + "\x00" + sender
}

func (d *dedupIndex) has(messageID, sender string) bool {
	_, ok := d.keys[dedupKey(messageID, sender)]
	return ok
}

func (d *dedupIndex) add(messageID, sender string) {
	d.keys[dedupKey(messageID, sender)] = struct{}{}
}

func (d *dedupIndex) rebuild(msgs []Message) {
	d.keys = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		d.add(m.MessageID, m.Sender)
	}
}
