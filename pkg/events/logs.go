package events

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const (
	invokePrefix = "Program "
	dataPrefix   = "Program data: "
	logPrefix    = "Program log: "
)

// Payload is one base64-decoded "Program data:" line. Index counts every data
// line emitted by the program within the transaction.
type Payload struct {
	Index int
	Data  []byte
}

// ParseLogs walks the invoke stack of a transaction's logs and returns the
// event payloads emitted directly by programID, in log order.
func ParseLogs(programID solana.PublicKey, logs []string) ([]Payload, []error) {
	var (
		stack   []string
		out     []Payload
		errs    []error
		index   int
		program = programID.String()
	)
	for _, line := range logs {
		switch {
		case strings.HasPrefix(line, dataPrefix):
			if len(stack) == 0 || stack[len(stack)-1] != program {
				continue
			}
			raw := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
			data, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("event %d: %w", index, err))
				index++
				continue
			}
			out = append(out, Payload{Index: index, Data: data})
			index++
		case strings.HasPrefix(line, logPrefix):
		case strings.HasPrefix(line, invokePrefix):
			fields := strings.Fields(strings.TrimPrefix(line, invokePrefix))
			if len(fields) < 2 {
				continue
			}
			switch {
			case fields[1] == "invoke":
				stack = append(stack, fields[0])
			case fields[1] == "success", strings.HasPrefix(fields[1], "failed"):
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
			}
		}
	}
	return out, errs
}
