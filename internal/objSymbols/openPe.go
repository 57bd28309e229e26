package symbols

import (
	"debug/pe"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) Close() error {
	return f.pe.Close()
}

func (f *peFile) Symbols() ([]Symbol, error) {
	if len(f.pe.Symbols) == 0 {
		return nil, ErrNoSymbols
	}
	var base uint64
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		base = oh.ImageBase
	case *pe.OptionalHeader32:
		base = uint64(oh.ImageBase)
	}
	out := make([]Symbol, 0, len(f.pe.Symbols))
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sect := f.pe.Sections[s.SectionNumber-1]
		out = append(out, Symbol{
			Name: s.Name,
			Addr: uintptr(base + uint64(sect.VirtualAddress) + uint64(s.Value)),
			Func: sect.Characteristics&pe.IMAGE_SCN_CNT_CODE != 0,
		})
	}
	return out, nil
}
