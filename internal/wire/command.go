// Package wire implements the Faktory line protocol: encoding outbound
// commands and decoding inbound reply frames from a byte stream.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command is an outbound verb plus an ordered tail of arguments. A string
// argument is written as a whitespace-free token; any other argument is
// marshaled to compact JSON. Faktory commands carry at most one JSON
// argument, always last.
type Command struct {
	Verb string
	Args []any
}

// Encode renders cmd as "VERB arg1 arg2 ...\r\n". The caller is responsible
// for ensuring string arguments contain no whitespace and JSON arguments
// contain no literal CR/LF (encoding/json already escapes both).
func Encode(cmd Command) ([]byte, error) {
	parts := make([]string, 0, len(cmd.Args)+1)
	parts = append(parts, cmd.Verb)
	for _, arg := range cmd.Args {
		switch v := arg.(type) {
		case string:
			parts = append(parts, v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("wire: encode %s: %w", cmd.Verb, err)
			}
			parts = append(parts, string(data))
		}
	}
	line := strings.Join(parts, " ")
	return append([]byte(line), '\r', '\n'), nil
}
