package frontend

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sine-fdn/sinebench/internal/mpc"
)

// BadInputError reports a non-conforming value in the input file.
type BadInputError struct {
	Key    string
	Reason string
}

func (e *BadInputError) Error() string {
	return fmt.Sprintf("BadInput(%s): %s", e.Key, e.Reason)
}

// ReadInputs parses the input JSON file: an object whose values are
// numbers with at most two fractional digits. Numbers are handled as
// decimal strings end to end; float64 never touches them.
func ReadInputs(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frontend: open input: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("frontend: parse input: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("frontend: input file has no keys")
	}
	inputs := make(map[string]string, len(raw))
	for key, v := range raw {
		num, ok := v.(json.Number)
		if !ok {
			return nil, &BadInputError{Key: key, Reason: "value is not a number"}
		}
		if _, err := mpc.ParseDecimal(num.String()); err != nil {
			return nil, &BadInputError{Key: key, Reason: err.Error()}
		}
		inputs[key] = num.String()
	}
	return inputs, nil
}
