package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
)

var DebugLog func(string, ...interface{})

// DataError reports a malformed individual example. It is recovered by
// skipping the example; the skip is counted and logged.
type DataError struct {
	Line int
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("malformed example at line %d: %v", e.Line, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// Example is a single training record. It is immutable once loaded; Score is
// derived by the quality filter and is the only field written after load.
type Example struct {
	ID       string `json:"id,omitempty"`
	Input    string `json:"input"`
	Output   string `json:"output,omitempty"`
	Label    string `json:"label,omitempty"`
	Rejected string `json:"rejected,omitempty"`

	Score float64 `json:"-"`
}

// Text returns the content used for embedding and feature hashing.
func (e Example) Text() string {
	if e.Output == "" {
		return e.Input
	}
	return e.Input + "\n" + e.Output
}

func (e Example) validate() error {
	if strings.TrimSpace(e.Input) == "" {
		return fmt.Errorf("empty input field")
	}
	return nil
}

type LoadStats struct {
	Total   int
	Loaded  int
	Skipped int
}

// LoadJSONL reads one example per line. Malformed lines are skipped, counted
// and reported through DebugLog rather than failing the load.
func LoadJSONL(path string) ([]Example, LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var (
		examples []Example
		stats    LoadStats
	)

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stats.Total++

		var ex Example
		if err := json.Unmarshal([]byte(line), &ex); err != nil {
			stats.Skipped++
			if DebugLog != nil {
				DebugLog("skipping example: %v", &DataError{Line: lineNo, Err: err})
			}
			continue
		}
		if err := ex.validate(); err != nil {
			stats.Skipped++
			if DebugLog != nil {
				DebugLog("skipping example: %v", &DataError{Line: lineNo, Err: err})
			}
			continue
		}
		if ex.ID == "" {
			ex.ID = fmt.Sprintf("%s:%d", path, lineNo)
		}
		examples = append(examples, ex)
		stats.Loaded++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to read dataset: %w", err)
	}

	if len(examples) == 0 {
		return nil, stats, fmt.Errorf("dataset %s contains no usable examples", path)
	}

	return examples, stats, nil
}

// Split holds out the trailing valSetSize fraction for evaluation. The split
// is deterministic so repeated runs see the same partition.
func Split(examples []Example, valSetSize float64) (train, val []Example) {
	if valSetSize <= 0 || len(examples) < 2 {
		return examples, nil
	}
	n := int(math.Round(valSetSize * float64(len(examples))))
	if n < 1 {
		n = 1
	}
	if n >= len(examples) {
		n = len(examples) - 1
	}
	cut := len(examples) - n
	return examples[:cut], examples[cut:]
}

// Batches slices examples into consecutive batches of at most size examples.
// The final batch may be partial.
func Batches(examples []Example, size int) [][]Example {
	if size < 1 || len(examples) == 0 {
		return nil
	}
	batches := make([][]Example, 0, (len(examples)+size-1)/size)
	for start := 0; start < len(examples); start += size {
		end := start + size
		if end > len(examples) {
			end = len(examples)
		}
		batches = append(batches, examples[start:end])
	}
	return batches
}
