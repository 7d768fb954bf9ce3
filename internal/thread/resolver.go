// Package thread derives stable conversation keys from RFC 5322 message
// identity headers, so replies group the same way regardless of which mail
// client produced them.
package thread

import "strings"

// Normalize strips the surrounding angle brackets and whitespace from a
// message id. Inbound IMAP headers keep the brackets, outbound SMTP ids
// usually do not, so every id is normalized before comparison or storage.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// Resolve computes the thread key for a message. The earliest entry of the
// reference chain is the conversation root and wins; without references the
// in-reply-to id is used; a message with neither starts its own thread.
func Resolve(ownID, inReplyTo string, references []string) string {
	for _, ref := range references {
		if key := Normalize(ref); key != "" {
			return key
		}
	}

	if key := Normalize(inReplyTo); key != "" {
		return key
	}

	return Normalize(ownID)
}
