// Package jsonl implements an append-only store of JSON records, one per
// line. It is the persistence mechanism behind the audit log.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Appender writes records to a JSONL file. Writes are buffered; call
// Flush (or Close) to guarantee they reach disk.
type Appender struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// Open opens (creating if necessary) a JSONL file for appending
func Open(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return &Appender{
		path: path,
		file: file,
		w:    bufio.NewWriter(file),
	}, nil
}

// Append encodes one record and writes it as a single line
func (a *Appender) Append(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return fmt.Errorf("appender is closed")
	}
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Flush pushes buffered records to the underlying file
func (a *Appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	return a.w.Flush()
}

// Close flushes and closes the file. Safe to call more than once.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	if err := a.w.Flush(); err != nil {
		a.file.Close()
		a.file = nil
		return err
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Path returns the file the appender writes to
func (a *Appender) Path() string {
	return a.path
}

// Read scans a JSONL file and invokes fn with each non-empty line.
// A missing file yields no records and no error.
func Read(path string, fn func(line []byte) error) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Increase buffer size for large lines if needed
	const maxCapacity = 1024 * 1024 // 1MB per line
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}
