package collab

import (
	"fmt"

	"github.com/zenibako/collab-golang/messages"
)

// Operation helpers. A change's operation sequence is replayed
// left-to-right against the old document: retain and delete consume
// old characters, insert produces new ones. A sequence is only valid
// when it consumes the old document exactly. Offsets count runes so
// multi-byte text splits cleanly.

// Retain builds a retain operation over n characters.
func Retain(n int) messages.Operation {
	return messages.Operation{Kind: messages.OpRetain, Length: n}
}

// Insert builds an insert operation for the given text.
func Insert(text string) messages.Operation {
	return messages.Operation{Kind: messages.OpInsert, Text: text}
}

// Delete builds a delete operation over n characters.
func Delete(n int) messages.Operation {
	return messages.Operation{Kind: messages.OpDelete, Length: n}
}

// OperationSpan reports how many characters a sequence consumes from
// the old document and how many it produces in the new one.
func OperationSpan(ops []messages.Operation) (consumed, produced int) {
	for _, op := range ops {
		switch op.Kind {
		case messages.OpRetain:
			consumed += op.Length
			produced += op.Length
		case messages.OpInsert:
			produced += len([]rune(op.Text))
		case messages.OpDelete:
			consumed += op.Length
		}
	}
	return consumed, produced
}

// ApplyOperations replays ops against content and returns the result.
// The sequence is validated before anything is applied: a sequence
// that does not consume content exactly, or contains a negative length
// or unknown kind, fails without partial application.
func ApplyOperations(content string, ops []messages.Operation) (string, error) {
	runes := []rune(content)

	for i, op := range ops {
		switch op.Kind {
		case messages.OpRetain, messages.OpDelete:
			if op.Length < 0 {
				return "", fmt.Errorf("operation %d: negative %s length %d", i, op.Kind, op.Length)
			}
		case messages.OpInsert:
			if op.Text == "" {
				return "", fmt.Errorf("operation %d: empty insert", i)
			}
		default:
			return "", fmt.Errorf("operation %d: unknown kind %q", i, op.Kind)
		}
	}

	consumed, _ := OperationSpan(ops)
	if consumed != len(runes) {
		return "", fmt.Errorf("operations consume %d characters, document has %d", consumed, len(runes))
	}

	var out []rune
	cursor := 0
	for _, op := range ops {
		switch op.Kind {
		case messages.OpRetain:
			out = append(out, runes[cursor:cursor+op.Length]...)
			cursor += op.Length
		case messages.OpInsert:
			out = append(out, []rune(op.Text)...)
		case messages.OpDelete:
			cursor += op.Length
		}
	}

	return string(out), nil
}

// DiffContents derives the operation sequence that rewrites old into
// new: retain the common prefix, delete/insert the differing middle,
// retain the common suffix. Identical contents yield a nil sequence.
func DiffContents(old, new string) []messages.Operation {
	if old == new {
		return nil
	}

	oldRunes := []rune(old)
	newRunes := []rune(new)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	var ops []messages.Operation
	if prefix > 0 {
		ops = append(ops, Retain(prefix))
	}
	if deleted := len(oldRunes) - prefix - suffix; deleted > 0 {
		ops = append(ops, Delete(deleted))
	}
	if inserted := newRunes[prefix : len(newRunes)-suffix]; len(inserted) > 0 {
		ops = append(ops, Insert(string(inserted)))
	}
	if suffix > 0 {
		ops = append(ops, Retain(suffix))
	}

	return ops
}
