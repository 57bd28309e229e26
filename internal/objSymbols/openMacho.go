package symbols

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Close() error {
	return f.macho.Close()
}

func (f *machoFile) Symbols() ([]Symbol, error) {
	if f.macho.Symtab == nil {
		return nil, ErrNoSymbols
	}
	out := make([]Symbol, 0, len(f.macho.Symtab.Syms))
	for _, s := range f.macho.Symtab.Syms {
		// section symbols of the text segment are functions
		text := s.Sect > 0 && int(s.Sect) <= len(f.macho.Sections) && f.macho.Sections[s.Sect-1].Name == "__text"
		out = append(out, Symbol{Name: s.Name, Addr: uintptr(s.Value), Func: text})
	}
	return out, nil
}
