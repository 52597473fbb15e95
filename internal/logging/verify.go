package logging

import (
	"bufio"
	"fmt"
	"os"
)

// VerifyResult summarizes an offline integrity check of an event log.
type VerifyResult struct {
	Lines    int
	Verified int
	// BadLines holds 1-based line numbers that failed verification,
	// paired with the reason in Reasons.
	BadLines []int
	Reasons  []string
}

// OK reports whether every line verified.
func (r *VerifyResult) OK() bool { return len(r.BadLines) == 0 }

// VerifyEventLog re-derives the signature of every line in an events.jsonl
// file against the given secret.
func VerifyEventLog(path string, secret []byte) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	signer := NewSignerWithSecret(secret)
	result := &VerifyResult{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		result.Lines++
		if err := signer.VerifyEventLine(line); err != nil {
			result.BadLines = append(result.BadLines, lineNo)
			result.Reasons = append(result.Reasons, err.Error())
			continue
		}
		result.Verified++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return result, nil
}
