// Package script loads an optional collaborator that gets a first look at
// every ingested payload before it is relayed or acknowledged, the Go
// analogue of the original's dynamically-loaded Python scripting module
// (main.cpp's -s flag). Go has no embeddable scripting runtime in its
// standard library; the idiomatic equivalent of "load arbitrary code at
// startup" is the standard library's own plugin package, so a processor
// here is a compiled .so built with `go build -buildmode=plugin`.
package script

import (
	"fmt"
	"plugin"

	"github.com/pkg/errors"
)

// Processor inspects or transforms an ingested payload. Process is called
// once per accepted PUT body, after block-wise reassembly has produced a
// complete payload.
type Processor interface {
	Process(data []byte) error
}

// ProcessorSymbol is the exported symbol name LoadPlugin looks up: the
// plugin must export a package-level variable of this name implementing
// Processor.
const ProcessorSymbol = "Processor"

// noop is used when no script is configured; Process is a no-op.
type noop struct{}

func (noop) Process([]byte) error { return nil }

// Noop is the default Processor, used when the server is started without
// a -s flag.
var Noop Processor = noop{}

// LoadPlugin opens the plugin at path and resolves its exported Processor
// symbol.
func LoadPlugin(path string) (Processor, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open script plugin %q", path)
	}

	sym, err := p.Lookup(ProcessorSymbol)
	if err != nil {
		return nil, errors.Wrapf(err, "script plugin %q does not export %s", path, ProcessorSymbol)
	}

	proc, ok := sym.(Processor)
	if !ok {
		return nil, fmt.Errorf("script plugin %q's %s does not implement script.Processor", path, ProcessorSymbol)
	}
	return proc, nil
}
