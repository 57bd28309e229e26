//go:build linux && cgo

package modwatch

import (
	"fmt"
	"path/filepath"
	"plugin"
	"reflect"
)

type goPlugin struct {
	name string
	p    *plugin.Plugin
}

// OpenPlugin opens a Go plugin. Function symbols resolve to their code
// address and variables to their address.
func OpenPlugin(path string) (Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return &goPlugin{name: filepath.Base(path), p: p}, nil
}

func (g *goPlugin) Name() string {
	return g.name
}

func (g *goPlugin) Lookup(symbol string) (uintptr, error) {
	sym, err := g.p.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	v := reflect.ValueOf(sym)
	switch v.Kind() {
	case reflect.Func, reflect.Pointer:
		if v.IsNil() {
			return 0, fmt.Errorf("symbol %s of %s is nil", symbol, g.name)
		}
		return v.Pointer(), nil
	}
	return 0, fmt.Errorf("symbol %s of %s is a %s", symbol, g.name, v.Kind())
}
