package patch

import (
	"bytes"
	"encoding/binary"
)

// elfSection describes one section to be emitted by buildELF64. This is a
// minimal hand-rolled ELF64 writer used only by tests: the stdlib
// debug/elf package is read-only, so exercising elfreader.Read against a
// real object requires synthesising one.
type elfSection struct {
	name    string
	typ     uint32
	flags   uint64
	data    []byte
	link    uint32
	info    uint32
	entsize uint64
}

type elfSymbol struct {
	name    string
	value   uint64
	size    uint64
	info    uint8 // (bind<<4)|type
	section uint16
}

type elfRel struct {
	offset uint64
	sym    uint32
	typ    uint32
}

// buildELF64 assembles a minimal little-endian ELF64 relocatable object
// with the given extra sections, plus a symtab/strtab pair built from syms
// and a .rel.text section built from rels (target section index 1, i.e.
// the first entry of extra).
func buildELF64(extra []elfSection, syms []elfSymbol, rels []elfRel) []byte {
	// Section 0 is always the null section.
	sections := []elfSection{{}}
	sections = append(sections, extra...)

	// String table for symbol names.
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	symNameOff := make([]uint32, len(syms))
	for i, s := range syms {
		symNameOff[i] = uint32(strtab.Len())
		strtab.WriteString(s.name)
		strtab.WriteByte(0)
	}
	strtabIdx := uint32(len(sections))
	sections = append(sections, elfSection{name: ".strtab", typ: 3 /* SHT_STRTAB */, data: strtab.Bytes()})

	// Symbol table: null symbol first.
	var symtab bytes.Buffer
	symtab.Write(make([]byte, 24))
	for i, s := range syms {
		var rec [24]byte
		binary.LittleEndian.PutUint32(rec[0:4], symNameOff[i])
		rec[4] = s.info
		rec[5] = 0
		binary.LittleEndian.PutUint16(rec[6:8], s.section)
		binary.LittleEndian.PutUint64(rec[8:16], s.value)
		binary.LittleEndian.PutUint64(rec[16:24], s.size)
		symtab.Write(rec[:])
	}
	symtabIdx := uint32(len(sections))
	sections = append(sections, elfSection{
		name: ".symtab", typ: 2, /* SHT_SYMTAB */
		data: symtab.Bytes(), link: strtabIdx, info: 1, entsize: 24,
	})

	// Relocations against section 1 (the first caller-supplied section).
	if len(rels) > 0 {
		var reltab bytes.Buffer
		for _, r := range rels {
			var rec [16]byte
			binary.LittleEndian.PutUint64(rec[0:8], r.offset)
			info := (uint64(r.sym) << 32) | uint64(r.typ)
			binary.LittleEndian.PutUint64(rec[8:16], info)
			reltab.Write(rec[:])
		}
		sections = append(sections, elfSection{
			name: ".rel.text", typ: 9, /* SHT_REL */
			data: reltab.Bytes(), link: symtabIdx, info: 1, entsize: 16,
		})
	}

	// Section header string table, built last so it can list itself.
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		if s.name == "" {
			continue
		}
		nameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	shstrndx := uint32(len(sections))
	nameOff = append(nameOff, uint32(shstrtab.Len()))
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)
	sections = append(sections, elfSection{name: ".shstrtab", typ: 3, data: shstrtab.Bytes()})

	const ehdrSize = 64
	const shdrSize = 64

	var body bytes.Buffer
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		offsets[i] = uint64(ehdrSize + body.Len())
		body.Write(s.data)
	}

	var out bytes.Buffer
	// e_ident
	out.Write([]byte{0x7f, 'E', 'L', 'F', 2 /*ELFCLASS64*/, 1 /*ELFDATA2LSB*/, 1, 0})
	out.Write(make([]byte, 8))                            // padding
	binary.Write(&out, binary.LittleEndian, uint16(1))    // e_type = ET_REL
	binary.Write(&out, binary.LittleEndian, uint16(0xf7)) // e_machine = EM_BPF
	binary.Write(&out, binary.LittleEndian, uint32(1))    // e_version
	binary.Write(&out, binary.LittleEndian, uint64(0))    // e_entry
	binary.Write(&out, binary.LittleEndian, uint64(0))    // e_phoff
	shoff := uint64(ehdrSize + body.Len())
	binary.Write(&out, binary.LittleEndian, shoff)                 // e_shoff
	binary.Write(&out, binary.LittleEndian, uint32(0))             // e_flags
	binary.Write(&out, binary.LittleEndian, uint16(ehdrSize))      // e_ehsize
	binary.Write(&out, binary.LittleEndian, uint16(0))             // e_phentsize
	binary.Write(&out, binary.LittleEndian, uint16(0))             // e_phnum
	binary.Write(&out, binary.LittleEndian, uint16(shdrSize))      // e_shentsize
	binary.Write(&out, binary.LittleEndian, uint16(len(sections))) // e_shnum
	binary.Write(&out, binary.LittleEndian, uint16(shstrndx))      // e_shstrndx

	out.Write(body.Bytes())

	for i, s := range sections {
		var rec [shdrSize]byte
		binary.LittleEndian.PutUint32(rec[0:4], nameOff[i])
		binary.LittleEndian.PutUint32(rec[4:8], s.typ)
		binary.LittleEndian.PutUint64(rec[8:16], s.flags)
		binary.LittleEndian.PutUint64(rec[16:24], 0) // sh_addr
		binary.LittleEndian.PutUint64(rec[24:32], offsets[i])
		binary.LittleEndian.PutUint64(rec[32:40], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(rec[40:44], s.link)
		binary.LittleEndian.PutUint32(rec[44:48], s.info)
		binary.LittleEndian.PutUint64(rec[48:56], 1) // sh_addralign
		binary.LittleEndian.PutUint64(rec[56:64], s.entsize)
		out.Write(rec[:])
	}

	return out.Bytes()
}
