package patch

import (
	"debug/elf"
	"strings"

	"microbpf/internal/binimage"
	"microbpf/internal/elfreader"
)

// Pack performs the pre-deployment pack: it
// extracts .text/.data/.rodata, folds any .rodata.* sub-sections into the
// tail of .rodata, records global function symbols and relocated-call
// records, and patches the remaining data/rodata loads in place within the
// returned .text bytes.
//
// A missing .text section yields an empty one, not an error; Pack never
// fails on well-formed but sparse objects.
func Pack(obj *elfreader.Object) (Image, error) {
	text := cloneSection(obj, ".text")
	data := cloneSection(obj, ".data")
	rodata := cloneSection(obj, ".rodata")

	strSectionOffsets := make(map[string]int)
	for _, s := range obj.Sections {
		if s.Name == "" || !isRodataSubSection(s.Name) {
			continue
		}
		strSectionOffsets[s.Name] = len(rodata)
		rodata = append(rodata, s.Data...)
	}

	var functions []binimage.Symbol
	for _, sym := range obj.Symbols {
		if sym.Type != elf.STT_FUNC || sym.Bind != elf.STB_GLOBAL {
			continue
		}
		nameOffset := len(rodata)
		rodata = append(rodata, []byte(sym.Name)...)
		functions = append(functions, binimage.Symbol{
			NameOffset:     uint16(nameOffset),
			Flags:          0,
			LocationOffset: uint16(sym.Value),
		})
	}

	var relocatedCalls []binimage.RelocatedCall
	for _, r := range obj.Relocations {
		sym, err := obj.Symbol(r.SymbolIndex)
		if err != nil {
			// Out-of-range symbol index: skip this relocation rather than
			// fail the whole pack.
			continue
		}
		if sym.Type == elf.STT_FUNC {
			relocatedCalls = append(relocatedCalls, binimage.RelocatedCall{
				InstructionOffset:  uint32(r.InstructionOffset),
				FunctionTextOffset: uint32(sym.Value),
			})
			continue
		}
		if sym.Type != elf.STT_SECTION && sym.Type != elf.STT_OBJECT {
			continue
		}
		patchRodataLoad(text, r, sym, obj, strSectionOffsets)
	}

	data = padInstrWidth(data)
	rodata = padInstrWidth(rodata)

	return Image{
		Header: binimage.Header{
			Magic:        binimage.Magic,
			Version:      binimage.CurrentVersion,
			Flags:        uint32(len(relocatedCalls)),
			DataLen:      uint32(len(data)),
			RodataLen:    uint32(len(rodata)),
			TextLen:      uint32(len(text)),
			FunctionsLen: uint32(len(functions)),
		},
		Data:           data,
		Rodata:         rodata,
		Text:           text,
		Functions:      functions,
		RelocatedCalls: relocatedCalls,
	}, nil
}

// patchRodataLoad rewrites the load-double-word instruction at r's
// instruction offset, if any, to load from .data or .rodata and adds the
// section offset to its low immediate. Relocations that land outside
// .text, reference an unresolvable section, or don't point at an LDDW
// instruction are skipped; they are diagnostic-worthy, not fatal.
func patchRodataLoad(text []byte, r elfreader.Relocation, sym elfreader.Symbol, obj *elfreader.Object, strOffsets map[string]int) {
	off := int(r.InstructionOffset)
	if off < 0 || off+binimage.DoubleWordInstrWidth > len(text) {
		return
	}
	if text[off] != binimage.LDDWOpcode {
		return
	}

	secName := sectionName(obj, sym.Section)

	var sectionOffset int
	switch sym.Type {
	case elf.STT_SECTION:
		// Split-out .rodata.* sub-sections land at the offset they were
		// appended at; the bare .data/.rodata sections start their segment.
		if o, ok := strOffsets[secName]; ok {
			sectionOffset = o
		} else if secName != ".data" && secName != ".rodata" {
			return
		}
	case elf.STT_OBJECT:
		sectionOffset = int(sym.Value)
	default:
		return
	}

	opcode := byte(binimage.LDDWDataOpcode)
	if containsRodataStr(secName) {
		opcode = binimage.LDDWRodataOpcode
	}

	instr, err := binimage.DecodeDoubleWordInstr(text[off : off+binimage.DoubleWordInstrWidth])
	if err != nil {
		return
	}
	instr.Opcode = opcode
	instr.ImmediateLow += uint32(sectionOffset)
	copy(text[off:off+binimage.DoubleWordInstrWidth], instr.Encode())
}

func containsRodataStr(name string) bool {
	return strings.Contains(name, ".rodata.str")
}

func cloneSection(obj *elfreader.Object, name string) []byte {
	s, ok := obj.Section(name)
	if !ok {
		return nil
	}
	out := make([]byte, len(s.Data))
	copy(out, s.Data)
	return out
}

func padInstrWidth(b []byte) []byte {
	pad := binimage.PadLen(len(b), binimage.InstructionWidth)
	if pad == 0 {
		return b
	}
	return append(b, make([]byte, pad)...)
}
