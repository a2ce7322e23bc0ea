package frontend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func TestReadInputsValid(t *testing.T) {
	path := writeInput(t, `{"revenue": 100, "cost": 1234.56, "delta": -0.5}`)
	inputs, err := ReadInputs(path)
	if err != nil {
		t.Fatalf("ReadInputs: %v", err)
	}
	want := map[string]string{"revenue": "100", "cost": "1234.56", "delta": "-0.5"}
	if len(inputs) != len(want) {
		t.Fatalf("got %v", inputs)
	}
	for k, v := range want {
		if inputs[k] != v {
			t.Fatalf("key %q: got %q, want %q", k, inputs[k], v)
		}
	}
}

func TestReadInputsRejectsTooManyDigits(t *testing.T) {
	path := writeInput(t, `{"x": 1.234}`)
	_, err := ReadInputs(path)
	var bad *BadInputError
	if !errors.As(err, &bad) {
		t.Fatalf("want BadInputError, got %v", err)
	}
	if bad.Key != "x" {
		t.Fatalf("wrong key in error: %v", bad)
	}
}

func TestReadInputsRejectsNonNumber(t *testing.T) {
	path := writeInput(t, `{"x": "100"}`)
	_, err := ReadInputs(path)
	var bad *BadInputError
	if !errors.As(err, &bad) {
		t.Fatalf("want BadInputError, got %v", err)
	}
}

func TestReadInputsRejectsEmptyAndMalformed(t *testing.T) {
	if _, err := ReadInputs(writeInput(t, `{}`)); err == nil {
		t.Fatal("empty object accepted")
	}
	if _, err := ReadInputs(writeInput(t, `not json`)); err == nil {
		t.Fatal("malformed JSON accepted")
	}
	if _, err := ReadInputs(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing file accepted")
	}
}
