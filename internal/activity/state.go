package activity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for tokens DecodeState cannot read.
var ErrInvalidCursor = errors.New("invalid activity cursor")

// Cursor tracks how far one source has been read.
type Cursor struct {
	Offset    int  `json:"offset"`
	Exhausted bool `json:"exhausted"`
}

// State holds the cursor of every source. The zero value starts all sources
// from the beginning.
type State struct {
	Cursors map[Source]Cursor `json:"cursors"`
}

// Cursor returns the cursor for src.
func (s State) Cursor(src Source) Cursor {
	return s.Cursors[src]
}

// Done reports whether every one of sources is exhausted.
func (s State) Done(sources []Source) bool {
	for _, src := range sources {
		if !s.Cursors[src].Exhausted {
			return false
		}
	}
	return true
}

func (s State) clone() State {
	out := State{Cursors: make(map[Source]Cursor, len(AllSources))}
	for src, c := range s.Cursors {
		out.Cursors[src] = c
	}
	return out
}

// EncodeState serialises the state to an opaque token.
func EncodeState(s State) string {
	parts := make([]string, 0, len(AllSources))
	for _, src := range AllSources {
		c, ok := s.Cursors[src]
		if !ok {
			continue
		}
		exhausted := 0
		if c.Exhausted {
			exhausted = 1
		}
		parts = append(parts, fmt.Sprintf("%s|%d|%d", src, c.Offset, exhausted))
	}
	if len(parts) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, ",")))
}

// DecodeState parses a token produced by EncodeState. An empty token yields
// the zero state.
func DecodeState(token string) (State, error) {
	state := State{Cursors: map[Source]Cursor{}}
	if strings.TrimSpace(token) == "" {
		return state, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	for _, part := range strings.Split(string(decoded), ",") {
		fields := strings.Split(part, "|")
		if len(fields) != 3 {
			return State{}, fmt.Errorf("%w: malformed entry %q", ErrInvalidCursor, part)
		}
		src, err := ParseSource(fields[0])
		if err != nil {
			return State{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		offset, err := strconv.Atoi(fields[1])
		if err != nil || offset < 0 {
			return State{}, fmt.Errorf("%w: bad offset %q", ErrInvalidCursor, fields[1])
		}
		state.Cursors[src] = Cursor{Offset: offset, Exhausted: fields[2] == "1"}
	}
	return state, nil
}
