package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/vitaminmoo/thxc-tool/internal/state"
)

// PrintJSON pretty-prints JSON data. If indentation fails, prints raw.
func PrintJSON(data []byte) {
	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, data, "", "  "); err != nil {
		fmt.Printf("Body: %s\n", string(data))
	} else {
		fmt.Println(prettyJSON.String())
	}
}

// PrintValue marshals v and pretty-prints it.
func PrintValue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	PrintJSON(data)
	return nil
}

// ConfirmAction prompts the user to type 'yes' to continue.
// Returns true if confirmed, false otherwise.
func ConfirmAction(prompt string) bool {
	fmt.Print(prompt)

	reader := bufio.NewReader(os.Stdin)
	confirm, _ := reader.ReadString('\n')
	confirm = strings.TrimSpace(confirm)

	return confirm == "yes"
}

// ReadStateFile loads a saved device state. Legacy documents are migrated;
// the result is normalized but not strictly validated.
func ReadStateFile(path string) (state.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return state.Result{}, fmt.Errorf("failed to read file: %w", err)
	}
	res, err := state.Parse(data)
	if err != nil {
		return state.Result{}, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// WriteStateFile writes s as indented JSON, or to stdout when path is empty
// or "-".
func WriteStateFile(path string, s state.DeviceState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func printState(s state.DeviceState) {
	np := s.NotePreset
	fmt.Printf("Mode:            %s\n", np.Mode)
	fmt.Printf("Piano:           white %s, black %s\n", np.Piano.WhiteKeyColor, np.Piano.BlackKeyColor)
	fmt.Printf("Gradient:        %s -> %s x%.2f\n", np.Gradient.ColorA, np.Gradient.ColorB, np.Gradient.Speed)
	fmt.Printf("Rain:            %s -> %s x%.2f\n", np.Rain.ColorA, np.Rain.ColorB, np.Rain.Speed)
	fmt.Printf("Modifier chords:")
	for _, key := range state.ModifierKeys {
		fmt.Printf(" %s=%s", key, s.ModifierChords[key])
	}
	fmt.Println()
}
