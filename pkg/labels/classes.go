package labels

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ClassesFile is the conventional name of the class table.
const ClassesFile = "classes.txt"

// DefaultClasses is the damage class table used when no classes.txt exists.
var DefaultClasses = []string{"damaged_seat", "damaged_floor", "damaged_metal"}

// LoadClasses reads path, falling back to DefaultClasses when it is missing
// or empty.
func LoadClasses(path string) ([]string, error) {
	names, err := ReadClasses(path)
	if os.IsNotExist(err) {
		return append([]string(nil), DefaultClasses...), nil
	}
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return append([]string(nil), DefaultClasses...), nil
	}
	return names, nil
}

// ReadClasses reads class names, one per line, in index order.
func ReadClasses(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read classes: %w", err)
	}
	return names, nil
}

// WriteClasses writes class names in index order.
func WriteClasses(path string, names []string) error {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
