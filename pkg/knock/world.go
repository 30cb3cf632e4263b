package knock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ValidateWorld enforces the slash-delimited `a/<app>/t/<tenant>[...]`
// grammar a world string must obey.
func ValidateWorld(world string) error {
	if world == "" {
		return fmt.Errorf("empty world")
	}
	parts := strings.Split(world, "/")
	if len(parts) < 4 {
		return fmt.Errorf("world %q must have at least app and tenant segments", world)
	}
	if parts[0] != "a" {
		return fmt.Errorf("world %q must start with \"a/\"", world)
	}
	if parts[1] == "" {
		return fmt.Errorf("world %q has empty app segment", world)
	}
	if parts[2] != "t" {
		return fmt.Errorf("world %q must have \"t\" tenant marker as third segment", world)
	}
	if parts[3] == "" {
		return fmt.Errorf("world %q has empty tenant segment", world)
	}
	for _, p := range parts {
		if strings.ContainsAny(p, " \t\n") {
			return fmt.Errorf("world %q contains whitespace", world)
		}
	}
	return nil
}

// WorldPrefixes reports whether prefix is a slash-segment prefix of world,
// used for bearer-token scope checks ("token world prefixes target world").
func WorldPrefixes(prefix, world string) bool {
	if prefix == world {
		return true
	}
	return strings.HasPrefix(world, prefix+"/")
}

// findDuplicateKey re-tokenizes the raw JSON text looking for an object
// with the same key appearing twice at the same nesting level.
// encoding/json's map decoding silently keeps the last occurrence, which
// would hide a duplicate-key attack from every later stage, so this is a
// dedicated byte-level pass over the token stream.
func findDuplicateKey(raw []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	type frame struct {
		isObject        bool
		seen            map[string]bool
		expectKey       bool // next token in this object is a key, not a value
		parentIsWaiting bool // popping this frame completes a value slot in the parent object
	}
	var stack []*frame

	// markValueConsumed flips the parent object frame back to expecting a
	// key, after the value slot it was waiting on has been fully consumed
	// (either a scalar token or a whole nested container that just popped).
	markValueConsumed := func() {
		if len(stack) == 0 {
			return
		}
		top := stack[len(stack)-1]
		if top.isObject {
			top.expectKey = true
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false
		}

		if delim, isDelim := tok.(json.Delim); isDelim {
			switch delim {
			case '{', '[':
				parentWaiting := len(stack) > 0 && stack[len(stack)-1].isObject && !stack[len(stack)-1].expectKey
				stack = append(stack, &frame{
					isObject:        delim == '{',
					seen:            map[string]bool{},
					expectKey:       delim == '{',
					parentIsWaiting: parentWaiting,
				})
				continue
			case '}', ']':
				finished := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if finished.parentIsWaiting {
					markValueConsumed()
				}
				continue
			}
		}

		if len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.isObject && top.expectKey {
				key, _ := tok.(string)
				if top.seen[key] {
					return key, true
				}
				top.seen[key] = true
				top.expectKey = false
				continue
			}
			// Scalar value token consumed for an object's value slot.
			markValueConsumed()
		}
	}
	return "", false
}
