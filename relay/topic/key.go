package topic

import "strconv"

// Key identifies one ordered processing lane: a chat, or a thread within it.
// All messages sharing a key are handled strictly in arrival order.
type Key string

// NewKey derives the lane key for a chat and optional thread.
func NewKey(chatID int64, threadID *int64) Key {
	key := "telegram:" + strconv.FormatInt(chatID, 10)
	if threadID != nil {
		key += ":" + strconv.FormatInt(*threadID, 10)
	}
	return Key(key)
}

func (k Key) String() string {
	return string(k)
}
