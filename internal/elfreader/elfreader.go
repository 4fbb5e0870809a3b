// Package elfreader parses a raw ELF object file into the neutral records
// the bytecode patcher needs: sections, symbols, and every relocation found
// in any relocation section. It never mutates its input and never writes
// to the returned byte slices' backing arrays; callers that want to patch
// must copy first.
package elfreader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

// ErrMalformedObject is returned whenever the ELF header or any section it
// references is internally inconsistent.
var ErrMalformedObject = errors.New("elfreader: malformed object file")

// Section is a neutral view of one ELF section: its name, type, and raw
// bytes (already decompressed/extracted by the stdlib ELF reader).
type Section struct {
	Name string
	Type elf.SectionType
	// Index is this section's index within the ELF section header table,
	// which is also its index into Object.Sections.
	Index int
	// Offset is the section's byte offset within the original file, needed
	// by the in-place resolver which patches bytes directly inside the
	// caller's buffer rather than a copy.
	Offset uint64
	Data   []byte
}

// Symbol is a neutral view of one ELF symbol table entry.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Bind    elf.SymBind
	Section elf.SectionIndex
}

// Relocation is one entry harvested from any SHT_REL/SHT_RELA section,
// addressed to the section it applies to.
type Relocation struct {
	// TargetSection is the index, in Object.Sections, of the section the
	// relocation patches (typically .text).
	TargetSection int
	// InstructionOffset is the byte offset within TargetSection's data
	// that the relocation's instruction begins at.
	InstructionOffset uint64
	// SymbolIndex is the raw ELF symbol-table index (0 is the reserved
	// null symbol); resolve it through Object.Symbol.
	SymbolIndex uint32
	// Type is the raw relocation type as the object's architecture
	// defines it (e.g. R_BPF_64_64, R_BPF_64_32).
	Type uint32
}

// Object is the parsed, read-only view of an ELF object file.
type Object struct {
	Sections    []Section
	Symbols     []Symbol
	Relocations []Relocation

	byName map[string]int
}

// Read parses raw as an ELF object file. raw is never modified; Section
// data is copied out of the underlying file so the caller can discard or
// mutate raw afterward.
func Read(raw []byte) (*Object, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	defer f.Close()

	obj := &Object{byName: make(map[string]int, len(f.Sections))}

	for i, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			// SHT_NOBITS (.bss) sections legitimately have no backing data.
			if s.Type != elf.SHT_NOBITS {
				return nil, fmt.Errorf("%w: section %q: %v", ErrMalformedObject, s.Name, err)
			}
			data = nil
		}
		obj.byName[s.Name] = i
		obj.Sections = append(obj.Sections, Section{
			Name:   s.Name,
			Type:   s.Type,
			Index:  i,
			Offset: s.Offset,
			Data:   data,
		})
	}

	elfSyms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%w: symbol table: %v", ErrMalformedObject, err)
	}
	for _, s := range elfSyms {
		obj.Symbols = append(obj.Symbols, Symbol{
			Name:    s.Name,
			Value:   s.Value,
			Size:    s.Size,
			Type:    elf.ST_TYPE(s.Info),
			Bind:    elf.ST_BIND(s.Info),
			Section: s.Section,
		})
	}

	for _, s := range f.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		target, ok := obj.byName[targetSectionName(s.Name)]
		if !ok {
			// A relocation section whose target can't be resolved by name
			// is a malformed object, not a silent skip.
			return nil, fmt.Errorf("%w: relocation section %q has no target", ErrMalformedObject, s.Name)
		}

		relocs, err := parseRelocationSection(f, s, target)
		if err != nil {
			return nil, err
		}
		obj.Relocations = append(obj.Relocations, relocs...)
	}

	return obj, nil
}

// targetSectionName strips the ".rel"/".rela" prefix a relocation section
// name carries to identify the section it applies to, e.g. ".rel.text" ->
// ".text". If there is no recognised prefix the name is returned as-is
// (some toolchains name the relocation section identically to its target).
func targetSectionName(relName string) string {
	switch {
	case len(relName) > 5 && relName[:5] == ".rela":
		return relName[5:]
	case len(relName) > 4 && relName[:4] == ".rel":
		return relName[4:]
	default:
		return relName
	}
}

func parseRelocationSection(f *elf.File, s *elf.Section, target int) ([]Relocation, error) {
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: relocation section %q: %v", ErrMalformedObject, s.Name, err)
	}

	var entSize int
	switch s.Type {
	case elf.SHT_REL:
		entSize = relEntSize(f.Class)
	case elf.SHT_RELA:
		entSize = relaEntSize(f.Class)
	}
	if entSize == 0 || len(data)%entSize != 0 {
		return nil, fmt.Errorf("%w: relocation section %q has irregular size", ErrMalformedObject, s.Name)
	}

	byteOrder := f.ByteOrder
	var out []Relocation
	for off := 0; off < len(data); off += entSize {
		entry := data[off : off+entSize]
		var r Elf64Rel
		if s.Type == elf.SHT_RELA {
			r = decodeRela(entry, byteOrder, f.Class)
		} else {
			r = decodeRel(entry, byteOrder, f.Class)
		}
		out = append(out, Relocation{
			TargetSection:     target,
			InstructionOffset: r.Offset,
			SymbolIndex:       r.SymbolIndex,
			Type:              r.Type,
		})
	}
	return out, nil
}

// Elf64Rel is the decoded form of either a 32- or 64-bit, REL or RELA,
// relocation entry, normalised to 64-bit fields.
type Elf64Rel struct {
	Offset      uint64
	SymbolIndex uint32
	Type        uint32
}

func relEntSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 16
	}
	return 8
}

func relaEntSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 24
	}
	return 12
}

func decodeRel(b []byte, order interface {
	Uint16([]byte) uint16
	Uint32([]byte) uint32
	Uint64([]byte) uint64
}, class elf.Class) Elf64Rel {
	if class == elf.ELFCLASS64 {
		info := order.Uint64(b[8:16])
		return Elf64Rel{Offset: order.Uint64(b[0:8]), SymbolIndex: uint32(info >> 32), Type: uint32(info)}
	}
	info := order.Uint32(b[4:8])
	return Elf64Rel{Offset: uint64(order.Uint32(b[0:4])), SymbolIndex: info >> 8, Type: info & 0xff}
}

func decodeRela(b []byte, order interface {
	Uint16([]byte) uint16
	Uint32([]byte) uint32
	Uint64([]byte) uint64
}, class elf.Class) Elf64Rel {
	if class == elf.ELFCLASS64 {
		info := order.Uint64(b[8:16])
		return Elf64Rel{Offset: order.Uint64(b[0:8]), SymbolIndex: uint32(info >> 32), Type: uint32(info)}
	}
	info := order.Uint32(b[4:8])
	return Elf64Rel{Offset: uint64(order.Uint32(b[0:4])), SymbolIndex: info >> 8, Type: info & 0xff}
}

// Section looks up a section by name.
func (o *Object) Section(name string) (Section, bool) {
	idx, ok := o.byName[name]
	if !ok {
		return Section{}, false
	}
	return o.Sections[idx], true
}

// Symbol returns the symbol with ELF symbol-table index idx. Index 0 is
// the reserved null symbol; the stdlib reader omits it from the parsed
// table, so raw relocation indices are shifted down by one here.
func (o *Object) Symbol(idx uint32) (Symbol, error) {
	if idx == 0 || int(idx) > len(o.Symbols) {
		return Symbol{}, fmt.Errorf("%w: symbol index %d out of range (have %d)", ErrMalformedObject, idx, len(o.Symbols))
	}
	return o.Symbols[idx-1], nil
}
