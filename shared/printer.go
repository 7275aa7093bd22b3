package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Printer writes indented console output to one or more sinks. The demo
// binaries use it for session status lines; the engine itself never
// prints.
type Printer struct {
	mu     sync.Mutex
	indStr string
	sinks  []io.Writer
}

func NewPrinter(indentString string, sinks ...io.Writer) (*Printer, error) {
	if len(sinks) == 0 {
		return nil, errors.New("no sink provided")
	}
	for _, sink := range sinks {
		if sink == nil {
			return nil, errors.New("a nil sink is given")
		}
	}
	return &Printer{indStr: indentString, sinks: sinks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s, ind)
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.write(s, ind); err != nil {
		return err
	}
	return p.emit("\n")
}

func (p *Printer) write(s string, ind int) error {
	indent := strings.Repeat(p.indStr, ind)
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			line = "\n" + indent + line
		} else {
			line = indent + line
		}
		if err := p.emit(line); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) emit(s string) error {
	for _, sink := range p.sinks {
		if _, err := io.WriteString(sink, s); err != nil {
			return fmt.Errorf("on writing to sink: %w", err)
		}
	}
	return nil
}
